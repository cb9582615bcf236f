package domain

import (
	"cmp"
	"strings"
	"unicode"
	"unicode/utf8"

	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
)

// URISeparator joins scheme and value in the URI form of an identifier.
const URISeparator = "::"

// keySeparator joins the parts of a Key. Validate rejects control
// characters, so it never occurs inside a scheme or value.
const keySeparator = "\x00"

const (
	MaxSchemeLength = 100
	MaxValueLength  = 500
)

// Identifier is an immutable scheme+value pair. Two identifiers are equal iff
// scheme and value both match; the struct is comparable and usable as a map key.
type Identifier struct {
	Scheme string
	Value  string
}

// IsZero reports whether no value is set.
func (i Identifier) IsZero() bool {
	return i.Value == ""
}

// URI returns "scheme::value".
func (i Identifier) URI() string {
	return i.Scheme + URISeparator + i.Value
}

func (i Identifier) String() string {
	return i.URI()
}

// Key returns an injective encoding of the pair, for use as a storage key.
// Unlike URI it stays unambiguous when the value contains the separator.
func (i Identifier) Key() string {
	return i.Scheme + keySeparator + i.Value
}

// Compare orders by scheme, then value.
func (i Identifier) Compare(o Identifier) int {
	if c := cmp.Compare(i.Scheme, o.Scheme); c != 0 {
		return c
	}
	return cmp.Compare(i.Value, o.Value)
}

// ParticipantID identifies a participant and therefore its service group.
type ParticipantID struct{ Identifier }

// DocumentTypeID identifies a document type.
type DocumentTypeID struct{ Identifier }

// ProcessID identifies a process inside a service information record.
type ProcessID struct{ Identifier }

// TransportProfile names the message transport protocol of an endpoint.
type TransportProfile string

func NewParticipantID(scheme, value string) ParticipantID {
	return ParticipantID{Identifier{Scheme: scheme, Value: value}}
}

func NewDocumentTypeID(scheme, value string) DocumentTypeID {
	return DocumentTypeID{Identifier{Scheme: scheme, Value: value}}
}

func NewProcessID(scheme, value string) ProcessID {
	return ProcessID{Identifier{Scheme: scheme, Value: value}}
}

// ParseParticipantID parses the URI form "scheme::value".
func ParseParticipantID(uri string) (ParticipantID, error) {
	ident, err := parseIdentifier(uri, "participant identifier")
	if err != nil {
		return ParticipantID{}, err
	}
	return ParticipantID{ident}, nil
}

func ParseDocumentTypeID(uri string) (DocumentTypeID, error) {
	ident, err := parseIdentifier(uri, "document type identifier")
	if err != nil {
		return DocumentTypeID{}, err
	}
	return DocumentTypeID{ident}, nil
}

func ParseProcessID(uri string) (ProcessID, error) {
	ident, err := parseIdentifier(uri, "process identifier")
	if err != nil {
		return ProcessID{}, err
	}
	return ProcessID{ident}, nil
}

func parseIdentifier(uri, what string) (Identifier, error) {
	scheme, value, ok := strings.Cut(uri, URISeparator)
	if !ok {
		return Identifier{}, dErrors.New(dErrors.CodeInvalidInput, what+" must have the form scheme::value")
	}
	ident := Identifier{Scheme: scheme, Value: value}
	if err := ident.Validate(what); err != nil {
		return Identifier{}, err
	}
	return ident, nil
}

// Validate checks the structural constraints shared by all identifier kinds.
func (i Identifier) Validate(what string) error {
	switch {
	case i.Scheme == "":
		return dErrors.New(dErrors.CodeInvalidInput, what+" scheme is required")
	case i.Value == "":
		return dErrors.New(dErrors.CodeInvalidInput, what+" value is required")
	case len(i.Scheme) > MaxSchemeLength:
		return dErrors.New(dErrors.CodeInvalidInput, what+" scheme is too long")
	case len(i.Value) > MaxValueLength:
		return dErrors.New(dErrors.CodeInvalidInput, what+" value is too long")
	case !printable(i.Scheme) || !printable(i.Value):
		return dErrors.New(dErrors.CodeInvalidInput, what+" contains invalid characters")
	case strings.Contains(i.Scheme, URISeparator) || strings.HasSuffix(i.Scheme, ":"):
		// URI is split at the first separator; such a scheme would not survive it.
		return dErrors.New(dErrors.CodeInvalidInput, what+" scheme must not contain "+URISeparator)
	}
	return nil
}

func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) || !unicode.IsPrint(r) && r != ' ' {
			return false
		}
	}
	return true
}
