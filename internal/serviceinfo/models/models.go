package models

import (
	"context"
	"slices"
	"strings"
	"time"

	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
)

// ServiceInformation lists, for one (service group, document type) pair, the
// processes and endpoints through which the participant receives documents.
//
// Invariants:
//   - Process IDs are unique within the record
//   - Transport profiles are unique within each process
//   - Values handed out by the managers are independent copies; a change is
//     always a new version built by Merge, never an in-place edit
type ServiceInformation struct {
	ServiceGroupID id.ParticipantID
	DocumentTypeID id.DocumentTypeID
	Processes      []Process
	Extension      string
}

// Process groups the endpoints of one business process.
type Process struct {
	ProcessID id.ProcessID
	Endpoints []Endpoint
	Extension string
}

// Endpoint is one transport-specific access point address.
type Endpoint struct {
	TransportProfile              id.TransportProfile
	EndpointURL                   string
	RequireBusinessLevelSignature bool
	MinimumAuthenticationLevel    string
	ServiceActivation             time.Time
	ServiceExpiration             time.Time
	// Certificate is the optional PEM or base64 text of the access point
	// certificate.
	Certificate             string
	ServiceDescription      string
	TechnicalContactURL     string
	TechnicalInformationURL string
	Extension               string
}

// Key is the composite identity shared with redirects.
func (si *ServiceInformation) Key() id.ServiceKey {
	return id.NewServiceKey(si.ServiceGroupID, si.DocumentTypeID)
}

// ID returns the stable string form of Key.
func (si *ServiceInformation) ID() string {
	return si.Key().String()
}

// Clone returns a deep copy.
func (si *ServiceInformation) Clone() *ServiceInformation {
	if si == nil {
		return nil
	}
	c := *si
	c.Processes = make([]Process, len(si.Processes))
	for i, p := range si.Processes {
		c.Processes[i] = p.clone()
	}
	return &c
}

func (p Process) clone() Process {
	p.Endpoints = slices.Clone(p.Endpoints)
	return p
}

// ProcessOfID returns the process with the given ID.
func (si *ServiceInformation) ProcessOfID(processID id.ProcessID) (*Process, bool) {
	for i := range si.Processes {
		if si.Processes[i].ProcessID == processID {
			return &si.Processes[i], true
		}
	}
	return nil, false
}

// EndpointOfTransportProfile returns the endpoint for the given profile.
func (p *Process) EndpointOfTransportProfile(tp id.TransportProfile) (*Endpoint, bool) {
	for i := range p.Endpoints {
		if p.Endpoints[i].TransportProfile == tp {
			return &p.Endpoints[i], true
		}
	}
	return nil, false
}

// EndpointCount returns the number of endpoints over all processes.
func (si *ServiceInformation) EndpointCount() int {
	n := 0
	for _, p := range si.Processes {
		n += len(p.Endpoints)
	}
	return n
}

// Validate checks identifiers, uniqueness of nested keys and required
// endpoint fields.
func (si *ServiceInformation) Validate() error {
	if err := si.ServiceGroupID.Validate("service group identifier"); err != nil {
		return err
	}
	if err := si.DocumentTypeID.Validate("document type identifier"); err != nil {
		return err
	}
	seenProcesses := make(map[id.ProcessID]struct{}, len(si.Processes))
	for _, p := range si.Processes {
		if err := p.ProcessID.Validate("process identifier"); err != nil {
			return err
		}
		if _, dup := seenProcesses[p.ProcessID]; dup {
			return dErrors.New(dErrors.CodeInvariantViolation, "duplicate process "+p.ProcessID.URI())
		}
		seenProcesses[p.ProcessID] = struct{}{}

		seenProfiles := make(map[id.TransportProfile]struct{}, len(p.Endpoints))
		for _, ep := range p.Endpoints {
			if err := ep.Validate(); err != nil {
				return err
			}
			if _, dup := seenProfiles[ep.TransportProfile]; dup {
				return dErrors.New(dErrors.CodeInvariantViolation, "duplicate transport profile "+string(ep.TransportProfile))
			}
			seenProfiles[ep.TransportProfile] = struct{}{}
		}
	}
	return nil
}

// Validate checks the required endpoint fields.
func (ep Endpoint) Validate() error {
	switch {
	case strings.TrimSpace(string(ep.TransportProfile)) == "":
		return dErrors.New(dErrors.CodeInvariantViolation, "endpoint transport profile is required")
	case strings.TrimSpace(ep.EndpointURL) == "":
		return dErrors.New(dErrors.CodeInvariantViolation, "endpoint URL is required")
	case !ep.ServiceActivation.IsZero() && !ep.ServiceExpiration.IsZero() && ep.ServiceExpiration.Before(ep.ServiceActivation):
		return dErrors.New(dErrors.CodeInvariantViolation, "endpoint expires before it is activated")
	}
	return nil
}

// ValidateRegistrationUnit checks the shape accepted by CreateOrUpdate:
// exactly one process carrying exactly one endpoint.
func (si *ServiceInformation) ValidateRegistrationUnit() error {
	if si == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "service information is required")
	}
	if len(si.Processes) != 1 {
		return dErrors.New(dErrors.CodeInvariantViolation, "service information must contain a single process")
	}
	if len(si.Processes[0].Endpoints) != 1 {
		return dErrors.New(dErrors.CodeInvariantViolation, "service information must contain a single endpoint in the process")
	}
	return si.Validate()
}

// Merge returns a new version of si with the single process/endpoint of
// fragment applied: an unknown process is appended, an unknown transport
// profile is appended to its process, and a known one is replaced in full.
// Extensions of si and of an existing process are kept.
func (si *ServiceInformation) Merge(fragment *ServiceInformation) *ServiceInformation {
	merged := si.Clone()
	newProcess := fragment.Processes[0]
	newEndpoint := newProcess.Endpoints[0]

	process, ok := merged.ProcessOfID(newProcess.ProcessID)
	if !ok {
		merged.Processes = append(merged.Processes, newProcess.clone())
		return merged
	}
	if existing, ok := process.EndpointOfTransportProfile(newEndpoint.TransportProfile); ok {
		*existing = newEndpoint
		return merged
	}
	process.Endpoints = append(process.Endpoints, newEndpoint)
	return merged
}

// AuditAttributes is the flat field summary recorded with audit events.
func (si *ServiceInformation) AuditAttributes() map[string]string {
	processes := make([]string, 0, len(si.Processes))
	for _, p := range si.Processes {
		profiles := make([]string, 0, len(p.Endpoints))
		for _, ep := range p.Endpoints {
			profiles = append(profiles, string(ep.TransportProfile))
		}
		processes = append(processes, p.ProcessID.URI()+"["+strings.Join(profiles, ",")+"]")
	}
	return map[string]string{
		"service_group": si.ServiceGroupID.URI(),
		"document_type": si.DocumentTypeID.URI(),
		"processes":     strings.Join(processes, ";"),
		"extension":     si.Extension,
	}
}

// Callback is notified after a service information change committed.
type Callback interface {
	OnServiceInformationCreated(ctx context.Context, si *ServiceInformation) error
	OnServiceInformationUpdated(ctx context.Context, si *ServiceInformation) error
	OnServiceInformationDeleted(ctx context.Context, si *ServiceInformation) error
}
