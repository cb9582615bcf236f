package models

import (
	"context"
	"crypto/x509"
	"net/url"
	"strings"

	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
)

// Redirect points a (service group, document type) pair at another SMP. It
// holds no processes or endpoints.
type Redirect struct {
	ServiceGroupID          id.ParticipantID
	DocumentTypeID          id.DocumentTypeID
	TargetHref              string
	SubjectUniqueIdentifier string
	Certificate             *x509.Certificate
	Extension               string
}

// NewRedirect validates and builds a redirect.
func NewRedirect(sgID id.ParticipantID, docType id.DocumentTypeID, targetHref, subjectUID string, cert *x509.Certificate, extension string) (*Redirect, error) {
	if err := sgID.Validate("service group identifier"); err != nil {
		return nil, err
	}
	if err := docType.Validate("document type identifier"); err != nil {
		return nil, err
	}
	targetHref = strings.TrimSpace(targetHref)
	if targetHref == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "redirect target href is required")
	}
	if u, err := url.Parse(targetHref); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "redirect target href must be an absolute URL")
	}
	if strings.TrimSpace(subjectUID) == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "redirect subject unique identifier is required")
	}
	return &Redirect{
		ServiceGroupID:          sgID,
		DocumentTypeID:          docType,
		TargetHref:              targetHref,
		SubjectUniqueIdentifier: subjectUID,
		Certificate:             cert,
		Extension:               extension,
	}, nil
}

// Key is the composite identity shared with service information.
func (r *Redirect) Key() id.ServiceKey {
	return id.NewServiceKey(r.ServiceGroupID, r.DocumentTypeID)
}

// ID returns the stable string form of Key.
func (r *Redirect) ID() string {
	return r.Key().String()
}

// Clone returns an independent copy. The certificate is shared since
// *x509.Certificate is never mutated after parsing.
func (r *Redirect) Clone() *Redirect {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Callback is notified after a redirect change committed.
type Callback interface {
	OnRedirectCreated(ctx context.Context, r *Redirect) error
	OnRedirectUpdated(ctx context.Context, r *Redirect) error
	OnRedirectDeleted(ctx context.Context, r *Redirect) error
}
