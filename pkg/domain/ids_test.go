package domain

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
)

func TestParseParticipantID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseParticipantID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects missing separator", func(t *testing.T) {
		_, err := ParseParticipantID("iso6523-actorid-upis:0088:123")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects empty scheme", func(t *testing.T) {
		_, err := ParseParticipantID("::0088:123")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects empty value", func(t *testing.T) {
		_, err := ParseParticipantID("iso6523-actorid-upis::")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects control characters", func(t *testing.T) {
		_, err := ParseParticipantID("iso6523-actorid-upis::0088:\x00123")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects oversized value", func(t *testing.T) {
		_, err := ParseParticipantID("scheme::" + strings.Repeat("x", MaxValueLength+1))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid URI", func(t *testing.T) {
		id, err := ParseParticipantID("iso6523-actorid-upis::0088:5798000000001")
		require.NoError(t, err)
		assert.Equal(t, NewParticipantID("iso6523-actorid-upis", "0088:5798000000001"), id)
		assert.Equal(t, "iso6523-actorid-upis::0088:5798000000001", id.URI())
	})

	t.Run("value may contain the separator", func(t *testing.T) {
		id, err := ParseDocumentTypeID("busdox-docid-qns::urn:oasis:Invoice-2::Invoice##urn:cen.eu:en16931:2017::2.1")
		require.NoError(t, err)
		assert.Equal(t, "busdox-docid-qns", id.Scheme)
		assert.Equal(t, "urn:oasis:Invoice-2::Invoice##urn:cen.eu:en16931:2017::2.1", id.Value)
	})
}

func TestIdentifierValidateScheme(t *testing.T) {
	for _, scheme := range []string{"weird::scheme", "trailing:"} {
		t.Run(scheme, func(t *testing.T) {
			err := NewParticipantID(scheme, "v1").Validate("participant identifier")
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}

	t.Run("valid identifiers survive the URI form", func(t *testing.T) {
		for _, want := range []ParticipantID{
			NewParticipantID("iso6523-actorid-upis", "0088:1"),
			NewParticipantID("s", "::leading"),
			NewParticipantID("s:x", "a|b::c"),
		} {
			require.NoError(t, want.Validate("participant identifier"))
			got, err := ParseParticipantID(want.URI())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})
}

func TestKeysAreInjective(t *testing.T) {
	a := NewServiceKey(NewParticipantID("s", "a|x::y"), NewDocumentTypeID("d", "v"))
	b := NewServiceKey(NewParticipantID("s", "a"), NewDocumentTypeID("x", "y|d::v"))

	assert.Equal(t, a.String(), b.String())
	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t,
		NewProcessID("x", "y::z").Key(),
		NewProcessID("x::y", "z").Key())
}

func TestIdentifierEquality(t *testing.T) {
	a := NewProcessID("cenbii-procid-ubl", "urn:fdc:peppol.eu:2017:poacc:billing:01:1.0")
	b := NewProcessID("cenbii-procid-ubl", "urn:fdc:peppol.eu:2017:poacc:billing:01:1.0")
	c := NewProcessID("other", "urn:fdc:peppol.eu:2017:poacc:billing:01:1.0")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Zero(t, a.Compare(b.Identifier))

	m := map[ProcessID]int{a: 1}
	assert.Equal(t, 1, m[b])
}

func TestServiceKeyOrdering(t *testing.T) {
	sg1 := NewParticipantID("s", "1")
	sg2 := NewParticipantID("s", "2")
	docA := NewDocumentTypeID("d", "a")
	docB := NewDocumentTypeID("d", "b")

	keys := []ServiceKey{
		NewServiceKey(sg2, docA),
		NewServiceKey(sg1, docB),
		NewServiceKey(sg1, docA),
	}
	slices.SortFunc(keys, ServiceKey.Compare)

	assert.Equal(t, []ServiceKey{
		NewServiceKey(sg1, docA),
		NewServiceKey(sg1, docB),
		NewServiceKey(sg2, docA),
	}, keys)
	assert.Equal(t, "s::1|d::a", keys[0].String())
	assert.Less(t, keys[0].Key(), keys[1].Key())
	assert.Less(t, keys[1].Key(), keys[2].Key())
}

func TestChangeOr(t *testing.T) {
	assert.Equal(t, Unchanged, Unchanged.Or(Unchanged))
	assert.Equal(t, Changed, Unchanged.Or(Changed))
	assert.Equal(t, Changed, Changed.Or(Unchanged))
	assert.True(t, Changed.IsChanged())
	assert.False(t, Unchanged.IsChanged())
}
