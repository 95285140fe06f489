package models

// Operator is the authenticated admin behind a block-registry call.
type Operator struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}
