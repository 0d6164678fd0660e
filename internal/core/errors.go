package core

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers branch on what went wrong rather
// than on the concrete error.
type Kind int

const (
	KindInfrastructure Kind = iota
	KindValidation
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "infrastructure"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidShareType     = &Error{Kind: KindValidation, Code: "invalid_share_type", Message: "invalid share type"}
	ErrEmptyPayers          = &Error{Kind: KindValidation, Code: "empty_payers", Message: "expense has no payers"}
	ErrEmptyBeneficiaries   = &Error{Kind: KindValidation, Code: "empty_beneficiaries", Message: "expense has no beneficiaries"}
	ErrPayerAmountMismatch  = &Error{Kind: KindValidation, Code: "payer_amount_mismatch", Message: "payer contributions do not sum to the expense amount"}
	ErrPercentageSumInvalid = &Error{Kind: KindValidation, Code: "percentage_sum_invalid", Message: "percentages do not sum to 100"}
	ErrInvalidAmount        = &Error{Kind: KindValidation, Code: "invalid_amount", Message: "invalid amount"}
	ErrInvalidWeight        = &Error{Kind: KindValidation, Code: "invalid_weight", Message: "invalid share weight"}
	ErrDuplicateParticipant = &Error{Kind: KindValidation, Code: "duplicate_participant", Message: "user listed more than once"}
	ErrEmptyDescription     = &Error{Kind: KindValidation, Code: "empty_description", Message: "empty description"}
	ErrInvalidDescription   = &Error{Kind: KindValidation, Code: "invalid_description", Message: "invalid description"}
	ErrInvalidName          = &Error{Kind: KindValidation, Code: "invalid_name", Message: "invalid name"}
	ErrInvalidEmail         = &Error{Kind: KindValidation, Code: "invalid_email", Message: "invalid email"}

	ErrExpenseNotFound = &Error{Kind: KindNotFound, Code: "expense_not_found", Message: "expense not found"}
	ErrGroupNotFound   = &Error{Kind: KindNotFound, Code: "group_not_found", Message: "group not found"}
	ErrUserNotFound    = &Error{Kind: KindNotFound, Code: "user_not_found", Message: "user not found"}
	ErrUserNotInGroup  = &Error{Kind: KindNotFound, Code: "user_not_in_group", Message: "user is not a member of the group"}

	ErrExpenseDeleted = &Error{Kind: KindConflict, Code: "expense_deleted", Message: "expense has been deleted"}
	ErrAlreadyExists  = &Error{Kind: KindConflict, Code: "already_exists", Message: "already exists"}
	ErrMemberActive   = &Error{Kind: KindConflict, Code: "member_active", Message: "member still has expenses or open balances in the group"}
	ErrUserHasGroups  = &Error{Kind: KindConflict, Code: "user_has_groups", Message: "user is still a member of groups they did not create"}
)

// Wrapf annotates a sentinel with detail while keeping errors.Is working.
func Wrapf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf reports the kind of err. Errors that carry no domain kind are
// infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the machine-readable code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
