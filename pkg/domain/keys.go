package domain

// ServiceKey is the composite identity shared by service information and
// redirects: at most one of the two exists per key.
type ServiceKey struct {
	ServiceGroupID ParticipantID
	DocumentTypeID DocumentTypeID
}

func NewServiceKey(sg ParticipantID, doc DocumentTypeID) ServiceKey {
	return ServiceKey{ServiceGroupID: sg, DocumentTypeID: doc}
}

// String is the display form used in logs and audit events. It is not
// injective; use Key to index records.
func (k ServiceKey) String() string {
	return k.ServiceGroupID.URI() + "|" + k.DocumentTypeID.URI()
}

// Key returns an injective encoding of both identifiers, for use as a map,
// cache or file key.
func (k ServiceKey) Key() string {
	return k.ServiceGroupID.Key() + keySeparator + k.DocumentTypeID.Key()
}

func (k ServiceKey) Compare(o ServiceKey) int {
	if c := k.ServiceGroupID.Compare(o.ServiceGroupID.Identifier); c != 0 {
		return c
	}
	return k.DocumentTypeID.Compare(o.DocumentTypeID.Identifier)
}
