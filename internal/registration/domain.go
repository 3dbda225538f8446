// Package registration keeps the registration collection visible to the
// current principal in sync with the document store and exposes the
// owner and admin scoped mutations.
package registration

import (
	"time"
)

// Collection is the document store collection holding registrations.
const Collection = "registrations"

// Stored field names.
const (
	FieldFullName                  = "fullName"
	FieldEmail                     = "email"
	FieldPhone                     = "phone"
	FieldCategory                  = "registrationType"
	FieldFamilyMembers             = "numberOfFamilyMembers"
	FieldAddress                   = "address"
	FieldExpectations              = "expectations"
	FieldPaymentScreenshotFilename = "paymentScreenshotFilename"
	FieldPaymentScreenshotKey      = "paymentScreenshotKey"
	FieldTermsAccepted             = "termsAccepted"
	FieldSubmittedAt               = "submittedAt"
	FieldOwnerID                   = "ownerId"
	FieldID                        = "id"
)

// Family member bounds.
const (
	MinFamilyMembers = 1
	MaxFamilyMembers = 10
)

// Category is the registration type.
type Category string

const (
	CategoryStudent      Category = "student"
	CategoryProfessional Category = "professional"
	CategoryFamily       Category = "family"
	CategoryOthers       Category = "others"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{CategoryStudent, CategoryProfessional, CategoryFamily, CategoryOthers}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryStudent, CategoryProfessional, CategoryFamily, CategoryOthers:
		return true
	}
	return false
}

// Entry is one registration as seen by the dashboard.
type Entry struct {
	ID                        string
	FullName                  string
	Email                     string
	Phone                     string
	Category                  Category
	FamilyMembers             *int
	Address                   string
	Expectations              string
	PaymentScreenshotFilename string
	PaymentScreenshotKey      string
	TermsAccepted             bool
	SubmittedAt               time.Time
	OwnerID                   string
}

// Attendees is the number of people the entry covers.
func (e Entry) Attendees() int {
	if e.Category == CategoryFamily && e.FamilyMembers != nil {
		return *e.FamilyMembers
	}
	return 1
}

func (e Entry) clone() Entry {
	if e.FamilyMembers != nil {
		n := *e.FamilyMembers
		e.FamilyMembers = &n
	}
	return e
}

// Attachment is an uploaded payment proof. Only its name is persisted with the
// entry; the object itself lives in blob storage under Key.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Key         string
}

// FormValues is a registration form submission.
type FormValues struct {
	FullName          string   `json:"fullName" validate:"required,max=200"`
	Email             string   `json:"email" validate:"required,email,max=320"`
	Phone             string   `json:"phone" validate:"required,min=5,max=40"`
	Category          Category `json:"registrationType" validate:"required,oneof=student professional family others"`
	FamilyMembers     *int     `json:"numberOfFamilyMembers"`
	Address           string   `json:"address" validate:"max=500"`
	Expectations      string   `json:"expectations" validate:"max=2000"`
	PaymentScreenshot *Attachment
	TermsAccepted     bool `json:"termsAccepted"`
}

// State is a consistent read of the synchronizer.
type State struct {
	Entries []Entry
	Loading bool
	Err     error
}

// Summary aggregates the visible collection for the dashboard header.
type Summary struct {
	Total      int
	Attendees  int
	ByCategory map[Category]int
}
