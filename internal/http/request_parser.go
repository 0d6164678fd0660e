// Package http provides the JSON API of the ledger.
//
// This file implements utilities for parsing and validating request data.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"splitledger/internal/core"
	"splitledger/internal/services"
)

const maxBodyBytes = 1 << 20

// Amount is an expense total. It accepts a JSON number or a string using
// either a dot or a comma as the decimal separator.
type Amount struct {
	decimal.Decimal
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	d, err := core.ParseAmount(strings.Trim(string(b), `"`))
	if err != nil {
		return fmt.Errorf("%w: %s", err, b)
	}
	a.Decimal = d
	return nil
}

// ExpenseRequest is the body of expense create and update calls. Payer
// amounts and weights may be sent as JSON strings or numbers.
type ExpenseRequest struct {
	Amount        Amount             `json:"amount"`
	Description   string             `json:"description"`
	ShareType     string             `json:"share_type"`
	OccurredAt    *time.Time         `json:"occurred_at,omitempty"`
	Payers        []core.Payer       `json:"payers"`
	Beneficiaries []core.Beneficiary `json:"beneficiaries"`
}

// Input converts the request into the service's input.
func (req ExpenseRequest) Input() services.ExpenseInput {
	in := services.ExpenseInput{
		Amount:        req.Amount.Decimal,
		Description:   sanitizeInput(req.Description),
		ShareType:     req.ShareType,
		Payers:        req.Payers,
		Beneficiaries: req.Beneficiaries,
	}
	if req.OccurredAt != nil {
		in.OccurredAt = req.OccurredAt.UTC()
	}
	return in
}

type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CreateGroupRequest struct {
	Name      string `json:"name"`
	CreatedBy int64  `json:"created_by"`
}

type AddMemberRequest struct {
	UserID int64 `json:"user_id"`
}

// DecodeJSON reads a single JSON value from the body into dst, rejecting
// unknown fields, trailing data and bodies over 1 MiB.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("unsupported content type %q", ct)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		default:
			return fmt.Errorf("malformed JSON: %w", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

// PathID parses the named route variable as a positive integer id.
func PathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
