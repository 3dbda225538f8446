package registration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/eventsite/internal/docstore"
	"github.com/gatherly/eventsite/internal/shared"
)

func form(category Category) FormValues {
	return FormValues{
		FullName:      "Ada Lovelace",
		Email:         "ada@example.com",
		Phone:         "0123456",
		Category:      category,
		TermsAccepted: true,
	}
}

func fieldsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var verr *shared.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	return verr.Fields
}

func TestValidateAcceptsEachCategory(t *testing.T) {
	for _, c := range Categories() {
		f := form(c)
		if c == CategoryFamily {
			n := 2
			f.FamilyMembers = &n
		}
		assert.NoError(t, Validate(f), c)
	}
}

func TestValidateReportsFieldsByFormName(t *testing.T) {
	err := Validate(FormValues{Email: "not-an-email", Category: "vip"})
	fields := fieldsOf(t, err)
	assert.Contains(t, fields, FieldFullName)
	assert.Contains(t, fields, FieldEmail)
	assert.Contains(t, fields, FieldPhone)
	assert.Contains(t, fields, FieldCategory)
	assert.Contains(t, fields, FieldTermsAccepted)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestValidateFamilyBounds(t *testing.T) {
	for _, n := range []int{0, 11, -1} {
		f := form(CategoryFamily)
		f.FamilyMembers = &n
		assert.Contains(t, fieldsOf(t, Validate(f)), FieldFamilyMembers, n)
	}
	for _, n := range []int{1, 10} {
		f := form(CategoryFamily)
		f.FamilyMembers = &n
		assert.NoError(t, Validate(f), n)
	}
	assert.Contains(t, fieldsOf(t, Validate(form(CategoryFamily))), FieldFamilyMembers)
}

func TestParseFamilyMembers(t *testing.T) {
	n, err := ParseFamilyMembers(" 3 ")
	require.NoError(t, err)
	assert.Equal(t, 3, *n)

	n, err = ParseFamilyMembers(float64(4))
	require.NoError(t, err)
	assert.Equal(t, 4, *n)

	n, err = ParseFamilyMembers("")
	require.NoError(t, err)
	assert.Nil(t, n)

	_, err = ParseFamilyMembers("three")
	assert.Error(t, err)
	_, err = ParseFamilyMembers(2.5)
	assert.Error(t, err)
	_, err = ParseFamilyMembers(true)
	assert.Error(t, err)
}

func TestFilterAndSummarize(t *testing.T) {
	three := 3
	entries := []Entry{
		{ID: "1", FullName: "Ann Smith", Email: "ann@example.com", Category: CategoryStudent},
		{ID: "2", FullName: "Bob Jones", Email: "bob@work.test", Phone: "555-1234", Category: CategoryFamily, FamilyMembers: &three},
		{ID: "3", FullName: "Cy Smith", Email: "cy@example.com", Category: CategoryProfessional},
	}

	got := Filter(entries, "SMITH")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
	assert.Len(t, Filter(entries, "555"), 1)
	assert.Len(t, Filter(entries, "family"), 1)
	assert.Len(t, Filter(entries, "  "), 3)

	s := Summarize(entries)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 5, s.Attendees)
	assert.Equal(t, 1, s.ByCategory[CategoryFamily])
	assert.Equal(t, 0, s.ByCategory[CategoryOthers])
}

func TestRules(t *testing.T) {
	rules := Rules{}
	user := docstore.Caller{UID: "u1"}
	admin := docstore.Caller{UID: "a1", Claims: map[string]any{"admin": true}}

	create := func(c docstore.Caller, owner string) docstore.Request {
		return docstore.Request{Op: docstore.OpCreate, Collection: Collection, Caller: c, Data: map[string]any{FieldOwnerID: owner}}
	}
	assert.True(t, rules.Allow(create(user, "u1")))
	assert.False(t, rules.Allow(create(user, "someone")))
	assert.False(t, rules.Allow(create(docstore.Caller{}, "")))

	for _, op := range []docstore.Operation{docstore.OpRead, docstore.OpUpdate, docstore.OpDelete} {
		assert.False(t, rules.Allow(docstore.Request{Op: op, Collection: Collection, Caller: user}), op)
		assert.True(t, rules.Allow(docstore.Request{Op: op, Collection: Collection, Caller: admin}), op)
	}

	assert.False(t, rules.Allow(docstore.Request{Op: docstore.OpRead, Collection: "other", Caller: admin}))
	chained := Rules{Next: docstore.RulesFunc(func(docstore.Request) bool { return true })}
	assert.True(t, chained.Allow(docstore.Request{Op: docstore.OpRead, Collection: "other"}))
}
