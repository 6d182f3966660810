package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Command actions accepted on the primary connection.
const (
	ActionRegister = "register"
	ActionClaim    = "claim_queue"
	ActionReturn   = "return"
	ActionSeeAll   = "see_all"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPublish = "publish"
)

// Keepalive is written to dedicated sockets on attach and on every delivery tick.
const Keepalive = "check hotline"

// Error codes carried in Response.Code.
const (
	CodeNameTaken         = "name_taken"
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeNoSession         = "no_session"
	CodeDeckEmpty         = "deck_empty"
	CodeInvalidRelease    = "invalid_release"
	CodeAlreadyHolding    = "already_holding"
	CodeMalformedRequest  = "malformed_request"
	CodeRegisterFirst     = "register_first"
	CodeAlreadyRegistered = "already_registered"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

var validate = validator.New()

// Request is one client command, sent as a single JSON line on the primary connection.
type Request struct {
	Action   string `json:"action" validate:"required,oneof=register claim_queue return see_all"`
	Nickname string `json:"nickname,omitempty" validate:"required_unless=Action see_all,max=32"`
	CardID   string `json:"card_id,omitempty" validate:"required_if=Action return"`
}

// ParseRequest decodes and validates one command line.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	req.Nickname = strings.TrimSpace(req.Nickname)
	if err := validate.Struct(&req); err != nil {
		return Request{}, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// Response server -> client reply to a Request.
type Response struct {
	Status          string            `json:"status"`
	Code            string            `json:"code,omitempty"`
	Message         string            `json:"message,omitempty"`
	QueueCard       string            `json:"queue_card,omitempty"`
	Token           string            `json:"token,omitempty"`
	NotifyAddr      string            `json:"notify_addr,omitempty"`
	AllRegisterList *map[string]string `json:"all_register_list,omitempty"` // set, possibly empty, on every see_all reply
	AllQueueList    *[]string          `json:"all_queue_list,omitempty"`
}

// Update is the most recent deck mutation.
type Update struct {
	Action   string `json:"action"`
	CardID   string `json:"card_id"`
	Nickname string `json:"nickname"`
}

// Publish server -> client change notification on the dedicated socket.
type Publish struct {
	Status       string   `json:"status"`
	CardDeck     int      `json:"card_deck"`
	TopQueue     []string `json:"top_queue"`
	LatestUpdate Update   `json:"latest_update"`
}

// NotifyHello is the first line a client sends on the dedicated socket.
type NotifyHello struct {
	Token string `json:"token"`
}
