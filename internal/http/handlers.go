package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"splitledger/internal/core"
	applog "splitledger/internal/log"
)

type createUserResponse struct {
	core.User
	Token string `json:"token,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.groups.CreateUser(r.Context(), sanitizeInput(req.Name), sanitizeInput(req.Email))
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}

	resp := createUserResponse{User: user}
	if s.auth != nil {
		token, err := s.auth.IssueToken(user.ID)
		if err != nil {
			DomainError(r, err).Write(w)
			return
		}
		resp.Token = token
	}
	NewJSONResponse().Status(http.StatusCreated).Body(resp).Write(w)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	user, err := s.groups.GetUser(r.Context(), userID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(user).Write(w)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	if err := s.groups.DeleteUser(r.Context(), userID); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleUserBalances(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	entries, err := s.expenses.UserBalances(r.Context(), userID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(balancesResponse(entries)).Write(w)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// The authenticated caller creates the group unless the body names someone.
	if req.CreatedBy == 0 {
		if id, ok := UserFromContext(r.Context()); ok {
			req.CreatedBy = id
		}
	}

	group, err := s.groups.CreateGroup(r.Context(), sanitizeInput(req.Name), req.CreatedBy)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(group).Write(w)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	group, err := s.groups.GetGroup(r.Context(), groupID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(group).Write(w)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	if err := s.groups.DeleteGroup(r.Context(), groupID); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	var req AddMemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.groups.AddMember(r.Context(), groupID, req.UserID); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	userID, err := PathID(r, "userId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	if err := s.groups.RemoveMember(r.Context(), groupID, userID); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	var req ExpenseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	expenseID, err := s.expenses.CreateExpense(r.Context(), groupID, req.Input())
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}

	detail, err := s.expenses.GetExpense(r.Context(), expenseID)
	if err != nil {
		// The expense is committed; report it even if the read-back failed.
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Read-back of created expense failed",
			applog.FieldExpenseID, expenseID,
			applog.FieldError, err)
		NewJSONResponse().Status(http.StatusCreated).
			Header("Location", "/api/expenses/"+expenseID).
			Body(map[string]string{"id": expenseID}).
			Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).
		Header("Location", "/api/expenses/"+expenseID).
		Body(detail).
		Write(w)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	detail, err := s.expenses.GetExpense(r.Context(), mux.Vars(r)["expenseId"])
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(detail).Write(w)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	expenseID := mux.Vars(r)["expenseId"]
	var req ExpenseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.expenses.UpdateExpense(r.Context(), expenseID, req.Input()); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	s.handleGetExpense(w, r)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.expenses.DeleteExpense(r.Context(), mux.Vars(r)["expenseId"]); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleDeleteAllExpenses(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	if err := s.expenses.DeleteAllExpenses(r.Context(), groupID); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleGroupBalances(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	entries, err := s.expenses.GroupBalances(r.Context(), groupID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(balancesResponse(entries)).Write(w)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	groupID, err := PathID(r, "groupId")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	settlement, err := s.expenses.SettleGroup(r.Context(), groupID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	if settlement.Payments == nil {
		settlement.Payments = []core.Payment{}
	}
	NewJSONResponse().Body(settlement).Write(w)
}

// decodeBody decodes the request body into dst, writing the error response
// when it fails. Domain validation failures keep their own status and code.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := DecodeJSON(w, r, dst)
	if err == nil {
		return true
	}
	if core.KindOf(err) == core.KindValidation {
		DomainError(r, err).Write(w)
	} else {
		BadRequestError(err.Error()).Write(w)
	}
	return false
}

func balancesResponse(entries []core.BalanceEntry) map[string][]core.BalanceEntry {
	if entries == nil {
		entries = []core.BalanceEntry{}
	}
	return map[string][]core.BalanceEntry{"balances": entries}
}
