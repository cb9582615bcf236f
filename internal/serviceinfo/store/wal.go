package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/mySupply/phoss-smp/internal/platform/wal"
	"github.com/mySupply/phoss-smp/internal/serviceinfo/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

// WALName is the base file name of the service information document.
const WALName = "serviceinformation"

// WALStore keeps service information in memory, made durable by an XML
// document and write-ahead log. RunInTx holds the table's write lock.
type WALStore struct {
	table *wal.Table[*models.ServiceInformation]
}

// OpenWAL recovers the store from dir. Any recovery failure is returned and
// must abort startup.
func OpenWAL(dir string, logger *slog.Logger, checkpointEvery int) (*WALStore, error) {
	table, err := wal.OpenTable[*models.ServiceInformation](dir, WALName, Codec{},
		wal.WithLogger(logger),
		wal.WithCheckpointEvery(checkpointEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("open service information wal: %w", err)
	}
	return &WALStore{table: table}, nil
}

func (s *WALStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.table.RunLocked(ctx, fn)
}

func (s *WALStore) ListByKey(ctx context.Context, key id.ServiceKey) ([]*models.ServiceInformation, error) {
	si, ok := s.table.Get(ctx, key.Key())
	if !ok {
		return nil, nil
	}
	return []*models.ServiceInformation{si.Clone()}, nil
}

func (s *WALStore) Insert(ctx context.Context, si *models.ServiceInformation) error {
	if _, ok := s.table.Get(ctx, si.Key().Key()); ok {
		return fmt.Errorf("insert service information %s: %w", si.ID(), sentinel.ErrAlreadyUsed)
	}
	return s.table.Put(ctx, wal.ActionCreate, si.Clone())
}

func (s *WALStore) Update(ctx context.Context, si *models.ServiceInformation) error {
	if _, ok := s.table.Get(ctx, si.Key().Key()); !ok {
		return fmt.Errorf("update service information %s: %w", si.ID(), sentinel.ErrInvalidState)
	}
	return s.table.Put(ctx, wal.ActionUpdate, si.Clone())
}

func (s *WALStore) Delete(ctx context.Context, key id.ServiceKey) (bool, error) {
	n, err := s.table.Remove(ctx, key.Key())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *WALStore) ListAll(ctx context.Context) ([]*models.ServiceInformation, error) {
	return cloneAll(s.table.Values(ctx)), nil
}

func (s *WALStore) ListByServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.ServiceInformation, error) {
	return cloneAll(s.table.Filter(ctx, func(si *models.ServiceInformation) bool {
		return si.ServiceGroupID == sgID
	})), nil
}

func (s *WALStore) Count(ctx context.Context) (int, error) {
	return s.table.Len(ctx), nil
}

// Checkpoint rewrites the document and truncates the log.
func (s *WALStore) Checkpoint(ctx context.Context) error {
	return s.table.Checkpoint(ctx)
}

func (s *WALStore) Close() error {
	return s.table.Close()
}

func cloneAll(in []*models.ServiceInformation) []*models.ServiceInformation {
	out := make([]*models.ServiceInformation, len(in))
	for i, si := range in {
		out[i] = si.Clone()
	}
	return out
}

// Codec maps service information to the <serviceinformation> element.
type Codec struct{}

func (Codec) Root() string { return "serviceinformationlist" }

func (Codec) Key(si *models.ServiceInformation) string { return si.Key().Key() }

func (Codec) Encode(si *models.ServiceInformation) *etree.Element {
	el := etree.NewElement("serviceinformation")
	wal.SetPairAttrs(el, "servicegroup", si.ServiceGroupID.Scheme, si.ServiceGroupID.Value)
	wal.SetPairAttrs(el, "doctype", si.DocumentTypeID.Scheme, si.DocumentTypeID.Value)
	for _, p := range si.Processes {
		pel := el.CreateElement("process")
		wal.SetPairAttrs(pel, "process", p.ProcessID.Scheme, p.ProcessID.Value)
		for _, ep := range p.Endpoints {
			encodeEndpoint(pel.CreateElement("endpoint"), ep)
		}
		textChild(pel, "extension", p.Extension)
	}
	textChild(el, "extension", si.Extension)
	return el
}

func encodeEndpoint(el *etree.Element, ep models.Endpoint) {
	el.CreateAttr("transportprofile", string(ep.TransportProfile))
	el.CreateAttr("endpointreference", ep.EndpointURL)
	el.CreateAttr("requirebusinesslevelsignature", strconv.FormatBool(ep.RequireBusinessLevelSignature))
	if ep.MinimumAuthenticationLevel != "" {
		el.CreateAttr("minimumauthenticationlevel", ep.MinimumAuthenticationLevel)
	}
	if !ep.ServiceActivation.IsZero() {
		el.CreateAttr("serviceactivation", ep.ServiceActivation.UTC().Format(time.RFC3339Nano))
	}
	if !ep.ServiceExpiration.IsZero() {
		el.CreateAttr("serviceexpiration", ep.ServiceExpiration.UTC().Format(time.RFC3339Nano))
	}
	textChild(el, "certificate", ep.Certificate)
	textChild(el, "servicedescription", ep.ServiceDescription)
	textChild(el, "technicalcontacturl", ep.TechnicalContactURL)
	textChild(el, "technicalinformationurl", ep.TechnicalInformationURL)
	textChild(el, "extension", ep.Extension)
}

func (Codec) Decode(el *etree.Element) (*models.ServiceInformation, error) {
	si := &models.ServiceInformation{
		ServiceGroupID: id.NewParticipantID(wal.PairAttrs(el, "servicegroup")),
		DocumentTypeID: id.NewDocumentTypeID(wal.PairAttrs(el, "doctype")),
		Extension:      childText(el, "extension"),
	}
	for _, pel := range el.SelectElements("process") {
		processID := id.NewProcessID(wal.PairAttrs(pel, "process"))
		p := models.Process{ProcessID: processID, Extension: childText(pel, "extension")}
		for _, eel := range pel.SelectElements("endpoint") {
			ep, err := decodeEndpoint(eel)
			if err != nil {
				return nil, fmt.Errorf("serviceinformation %s process %s: %w", si.ID(), processID.URI(), err)
			}
			p.Endpoints = append(p.Endpoints, ep)
		}
		si.Processes = append(si.Processes, p)
	}
	if err := si.Validate(); err != nil {
		return nil, fmt.Errorf("serviceinformation %s: %w", si.ID(), err)
	}
	return si, nil
}

func decodeEndpoint(el *etree.Element) (models.Endpoint, error) {
	ep := models.Endpoint{
		TransportProfile:           id.TransportProfile(el.SelectAttrValue("transportprofile", "")),
		EndpointURL:                el.SelectAttrValue("endpointreference", ""),
		MinimumAuthenticationLevel: el.SelectAttrValue("minimumauthenticationlevel", ""),
		Certificate:                childText(el, "certificate"),
		ServiceDescription:         childText(el, "servicedescription"),
		TechnicalContactURL:        childText(el, "technicalcontacturl"),
		TechnicalInformationURL:    childText(el, "technicalinformationurl"),
		Extension:                  childText(el, "extension"),
	}
	var err error
	if v := el.SelectAttrValue("requirebusinesslevelsignature", ""); v != "" {
		if ep.RequireBusinessLevelSignature, err = strconv.ParseBool(v); err != nil {
			return ep, fmt.Errorf("requirebusinesslevelsignature: %w", err)
		}
	}
	if ep.ServiceActivation, err = parseTime(el.SelectAttrValue("serviceactivation", "")); err != nil {
		return ep, fmt.Errorf("serviceactivation: %w", err)
	}
	if ep.ServiceExpiration, err = parseTime(el.SelectAttrValue("serviceexpiration", "")); err != nil {
		return ep, fmt.Errorf("serviceexpiration: %w", err)
	}
	return ep, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func textChild(parent *etree.Element, tag, text string) {
	if text == "" {
		return
	}
	parent.CreateElement(tag).SetText(text)
}

func childText(parent *etree.Element, tag string) string {
	if c := parent.SelectElement(tag); c != nil {
		return c.Text()
	}
	return ""
}
