package model

import "strings"

// Category is one label in the fixed classification taxonomy.
type Category string

const (
	CategoryUrgent      Category = "urgent"
	CategoryPersonal    Category = "personal"
	CategoryBusiness    Category = "business"
	CategoryInvoices    Category = "invoices"
	CategoryNewsletters Category = "newsletters"
	CategorySpam        Category = "spam"
	CategoryUnknown     Category = "unknown"
)

// Categories lists every valid category, including unknown.
func Categories() []Category {
	return []Category{
		CategoryUrgent,
		CategoryPersonal,
		CategoryBusiness,
		CategoryInvoices,
		CategoryNewsletters,
		CategorySpam,
		CategoryUnknown,
	}
}

// ParseCategory normalizes a raw string into a Category.
// Returns false if the value is outside the closed set.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Categories() {
		if c == v {
			return c, true
		}
	}
	return "", false
}

// Labelable reports whether a remote label should mirror this category.
// "unknown" is never labelled.
func (c Category) Labelable() bool {
	_, ok := ParseCategory(string(c))
	return ok && c != CategoryUnknown
}
