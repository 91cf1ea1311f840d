package models

import "strings"

// Customer is the purchaser identity handed to the payment processor.
type Customer struct {
	Name           string   `json:"name" validate:"required"`
	Email          string   `json:"email" validate:"required,email"`
	Phone          string   `json:"phone,omitempty"`
	BillingAddress *Address `json:"billingAddress,omitempty"`
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// FirstName returns the first word of Name, or "there" when no name is known.
func (c Customer) FirstName() string {
	fields := strings.Fields(c.Name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
