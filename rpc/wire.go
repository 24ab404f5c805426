// Package rpc exposes a gem store over HTTP and provides a client that
// implements the store interfaces against it.
package rpc

import "time"

// Remote function names, served under /rpc/<name>.
const (
	FnGetUserGems          = "get_user_gems"
	FnDeductGems           = "deduct_gems"
	FnAddGems              = "add_gems"
	FnGetFeatureCosts      = "get_feature_costs"
	FnIsUserBlocked        = "is_user_blocked"
	FnIsAdmin              = "is_admin"
	FnAdminSetSubscription = "admin_set_subscription"
	FnAdminSetBlocked      = "admin_set_blocked"
	FnAdminSetFeatureCost  = "admin_set_feature_cost"
	FnAdminAddGems         = "admin_add_gems"
)

// Header names of signed admin calls.
const (
	HeaderAdminSignature = "X-Admin-Signature"
	HeaderAdminTimestamp = "X-Admin-Timestamp"
)

// params is the union of every function's arguments.
type params struct {
	UserID     string     `json:"p_user_id,omitempty"`
	Amount     int64      `json:"p_amount,omitempty"`
	Reason     string     `json:"p_reason,omitempty"`
	FeatureKey string     `json:"p_feature_key,omitempty"`
	Cost       int64      `json:"p_cost,omitempty"`
	Plan       string     `json:"p_plan,omitempty"`
	ExpiresAt  *time.Time `json:"p_expires_at,omitempty"`
	Blocked    bool       `json:"p_blocked,omitempty"`
}

// errorBody is the JSON body of non-2xx responses.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in errorBody.Code.
const (
	codeInvalidAmount = "invalid_amount"
	codeUnknownUser   = "unknown_user"
	codeUnauthorized  = "unauthorized"
	codeForbidden     = "forbidden"
	codeBadRequest    = "bad_request"
	codeInternal      = "internal"
)
