// Package entity defines the response envelope shared by the panel's JSON endpoints.
package entity

// Msg is the standard JSON response. Obj carries payload data on success.
type Msg struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Obj     any    `json:"obj"`
}
