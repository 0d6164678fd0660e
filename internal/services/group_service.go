package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"unicode/utf8"

	"splitledger/internal/core"
	applog "splitledger/internal/log"
	"splitledger/internal/storage"
)

const maxNameLength = 100

// GroupService manages users, groups and memberships. Changes that touch a
// group's ledger go through the expense service's unit of work so they
// serialize with expense mutations.
type GroupService struct {
	store    storage.Store
	expenses *ExpenseService
}

func NewGroupService(store storage.Store, expenses *ExpenseService) *GroupService {
	return &GroupService{store: store, expenses: expenses}
}

func (s *GroupService) CreateUser(ctx context.Context, name, email string) (core.User, error) {
	name, err := validateName(name)
	if err != nil {
		return core.User{}, err
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		return core.User{}, core.Wrapf(core.ErrInvalidEmail, "%q", email)
	}

	var u core.User
	err = s.writeTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		u, err = tx.CreateUser(ctx, core.User{Name: name, Email: strings.ToLower(addr.Address)})
		return err
	})
	if err != nil {
		return core.User{}, fmt.Errorf("create user: %w", err)
	}

	slog.InfoContext(ctx, "User created", applog.FieldUserID, u.ID)
	return u, nil
}

func (s *GroupService) GetUser(ctx context.Context, userID int64) (core.User, error) {
	var u core.User
	err := s.expenses.readTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		u, err = tx.GetUser(ctx, userID)
		return err
	})
	return u, err
}

// DeleteUser tears down every group the user created, then removes the
// user. A user who still belongs to someone else's group cannot be deleted;
// that is checked before anything is torn down.
func (s *GroupService) DeleteUser(ctx context.Context, userID int64) error {
	var created []int64
	err := s.expenses.readTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		if created, err = tx.GroupsCreatedBy(ctx, userID); err != nil {
			return err
		}
		return checkOnlyOwnGroups(ctx, tx, userID, created)
	})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	for _, gid := range created {
		if err := s.expenses.teardownGroup(ctx, gid); err != nil {
			return fmt.Errorf("delete user %d: %w", userID, err)
		}
	}

	err = s.writeTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// A group may have been joined while the cascade ran.
		if err := checkOnlyOwnGroups(ctx, tx, userID, nil); err != nil {
			return err
		}
		return tx.DeleteUser(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	slog.InfoContext(ctx, "User deleted",
		applog.FieldUserID, userID,
		"groups_deleted", len(created))
	return nil
}

// CreateGroup creates a group with its creator as the first member.
func (s *GroupService) CreateGroup(ctx context.Context, name string, creatorID int64) (core.Group, error) {
	name, err := validateName(name)
	if err != nil {
		return core.Group{}, err
	}

	var g core.Group
	err = s.writeTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, creatorID); err != nil {
			return err
		}
		if g, err = tx.CreateGroup(ctx, core.Group{Name: name, CreatedBy: creatorID}); err != nil {
			return err
		}
		if err := tx.AddMember(ctx, g.ID, creatorID); err != nil {
			return err
		}
		g, err = tx.GetGroup(ctx, g.ID)
		return err
	})
	if err != nil {
		return core.Group{}, fmt.Errorf("create group: %w", err)
	}

	slog.InfoContext(ctx, "Group created",
		applog.FieldGroupID, g.ID,
		applog.FieldUserID, creatorID)
	return g, nil
}

func (s *GroupService) GetGroup(ctx context.Context, groupID int64) (core.Group, error) {
	var g core.Group
	err := s.expenses.readTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		g, err = tx.GetGroup(ctx, groupID)
		return err
	})
	return g, err
}

// DeleteGroup deletes the group's expenses through the normal delete path,
// then its balances, memberships and the group itself.
func (s *GroupService) DeleteGroup(ctx context.Context, groupID int64) error {
	return s.expenses.teardownGroup(ctx, groupID)
}

func (s *GroupService) AddMember(ctx context.Context, groupID, userID int64) error {
	err := s.expenses.inGroupTx(ctx, groupID, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockGroup(ctx, groupID); err != nil {
			return err
		}
		return tx.AddMember(ctx, groupID, userID)
	})
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	slog.InfoContext(ctx, "Member added",
		applog.FieldGroupID, groupID,
		applog.FieldUserID, userID)
	return nil
}

// RemoveMember drops a member with no expenses and only zero balances in
// the group. Their zero entries go with them.
func (s *GroupService) RemoveMember(ctx context.Context, groupID, userID int64) error {
	err := s.expenses.inGroupTx(ctx, groupID, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockGroup(ctx, groupID); err != nil {
			return err
		}
		if err := checkMembersInTx(ctx, tx, groupID, []int64{userID}); err != nil {
			return err
		}
		active, err := tx.MemberHasActivity(ctx, groupID, userID)
		if err != nil {
			return err
		}
		if active {
			return core.Wrapf(core.ErrMemberActive, "user %d, group %d", userID, groupID)
		}
		return tx.RemoveMember(ctx, groupID, userID)
	})
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	slog.InfoContext(ctx, "Member removed",
		applog.FieldGroupID, groupID,
		applog.FieldUserID, userID)
	return nil
}

func (s *GroupService) writeTx(ctx context.Context, fn func(context.Context, storage.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func checkOnlyOwnGroups(ctx context.Context, tx storage.Tx, userID int64, created []int64) error {
	member, err := tx.GroupsOfUser(ctx, userID)
	if err != nil {
		return err
	}
	own := make(map[int64]bool, len(created))
	for _, id := range created {
		own[id] = true
	}
	for _, gid := range member {
		if !own[gid] {
			return core.Wrapf(core.ErrUserHasGroups, "user %d is a member of group %d", userID, gid)
		}
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", core.Wrapf(core.ErrInvalidName, "empty")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", core.Wrapf(core.ErrInvalidName, "too long (max %d characters)", maxNameLength)
	}
	return name, nil
}
