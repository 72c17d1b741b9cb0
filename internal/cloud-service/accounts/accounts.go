// Package accounts manages users: registration, login, administration and
// removal together with everything they stored.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/mycloud/internal/cloud-service/access"
	"github.com/konorlevich/mycloud/internal/cloud-service/auth"
	"github.com/konorlevich/mycloud/internal/cloud-service/database"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrMissingFields      = fmt.Errorf("%w: login, fullname and password are required", ErrInvalidInput)
	ErrNoFields           = fmt.Errorf("%w: no valid fields provided for update", ErrInvalidInput)
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginTaken         = errors.New("login or email is already taken")
	ErrUserNotFound       = fmt.Errorf("%w: user not found", access.ErrNotFound)
	ErrInternal           = errors.New("internal error")
)

type UserStorage interface {
	CreateUser(u *database.User) error
	GetUser(id uint) (*database.User, error)
	GetUserByLogin(login string) (*database.User, error)
	GetUserWithFiles(id uint) (*database.User, error)
	ListUsers() ([]*database.User, error)
	SaveUser(u *database.User) error
	RemoveUser(id uint) error
}

type FileRemover interface {
	RemoveOwnerFiles(ctx context.Context, ownerID uint) error
}

type TokenIssuer interface {
	Issue(userID uint) (string, error)
}

type Accounts struct {
	us     UserStorage
	files  FileRemover
	tokens TokenIssuer
	l      *log.Entry
}

func NewAccounts(us UserStorage, files FileRemover, tokens TokenIssuer, l *log.Entry) *Accounts {
	return &Accounts{us: us, files: files, tokens: tokens, l: l}
}

type RegisterRequest struct {
	Login    string
	Fullname string
	Email    string
	Password string
}

// Register creates a regular user and signs it in.
func (a *Accounts) Register(req RegisterRequest) (*database.User, string, error) {
	req.Login = strings.TrimSpace(req.Login)
	req.Fullname = strings.TrimSpace(req.Fullname)
	if req.Login == "" || req.Fullname == "" || req.Password == "" {
		return nil, "", ErrMissingFields
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		a.l.WithError(err).Error("can't hash password")
		return nil, "", err
	}
	u := &database.User{
		Login:    req.Login,
		Fullname: req.Fullname,
		Email:    optional(req.Email),
		Password: hash,
		IsActive: true,
	}
	if err := a.us.CreateUser(u); err != nil {
		return nil, "", a.saveError(err, u.Login)
	}
	a.l.WithFields(log.Fields{"user_id": u.ID, "login": u.Login}).Info("user registered")
	return a.withToken(u)
}

// Login checks the credentials and issues a session token.
func (a *Accounts) Login(login, password string) (*database.User, string, error) {
	if strings.TrimSpace(login) == "" || password == "" {
		return nil, "", ErrMissingFields
	}
	u, err := a.Authenticate(login, password)
	if err != nil {
		return nil, "", err
	}
	return a.withToken(u)
}

// Authenticate resolves an active user by login and password.
func (a *Accounts) Authenticate(login, password string) (*database.User, error) {
	u, err := a.us.GetUserByLogin(strings.TrimSpace(login))
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		a.l.WithError(err).Error("can't get user")
		return nil, ErrInternal
	}
	if !u.IsActive || !auth.CheckPassword(password, u.Password) {
		a.l.WithField("login", login).Info("authentication failed")
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Active returns the user behind a verified token.
func (a *Accounts) Active(id uint) (*database.User, error) {
	u, err := a.us.GetUser(id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		a.l.WithError(err).Error("can't get user")
		return nil, ErrInternal
	}
	if !u.IsActive {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Me returns the caller with its files.
func (a *Accounts) Me(caller access.Principal) (*database.User, error) {
	return a.getWithFiles(caller.ID)
}

func (a *Accounts) List(caller access.Principal) ([]*database.User, error) {
	if err := access.CanManageUsers(caller); err != nil {
		return nil, err
	}
	users, err := a.us.ListUsers()
	if err != nil {
		a.l.WithError(err).Error("can't list users")
		return nil, ErrInternal
	}
	return users, nil
}

// UserPatch is the closed set of user fields an update may touch. A nil
// field is left alone.
type UserPatch struct {
	// ID selects another user; honoured for admins only.
	ID       *uint
	Fullname *string
	Login    *string
	Email    *string
	Password *string
	// Avatar set to an empty string clears the reference; the file it
	// pointed at stays.
	Avatar  *string
	IsAdmin *bool
}

func (p UserPatch) empty() bool {
	return p.Fullname == nil && p.Login == nil && p.Email == nil &&
		p.Password == nil && p.Avatar == nil && p.IsAdmin == nil
}

// Update applies the patch to the caller, or to patch.ID when the caller is
// an admin.
func (a *Accounts) Update(caller access.Principal, patch UserPatch) (*database.User, error) {
	if patch.empty() {
		return nil, ErrNoFields
	}
	if patch.IsAdmin != nil && !caller.IsAdmin {
		return nil, access.ErrForbidden
	}
	targetID := caller.ID
	if caller.IsAdmin && patch.ID != nil && *patch.ID != 0 {
		targetID = *patch.ID
	}
	l := a.l.WithFields(log.Fields{"caller_id": caller.ID, "user_id": targetID})

	u, err := a.us.GetUser(targetID)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		l.WithError(err).Error("can't get user")
		return nil, ErrInternal
	}
	if err := applyPatch(u, patch); err != nil {
		return nil, err
	}
	if err := a.us.SaveUser(u); err != nil {
		return nil, a.saveError(err, u.Login)
	}
	l.Info("user updated")
	return a.getWithFiles(u.ID)
}

// applyPatch merges every set field of p into u after validating it.
func applyPatch(u *database.User, p UserPatch) error {
	if p.Fullname != nil {
		v := strings.TrimSpace(*p.Fullname)
		if v == "" {
			return fmt.Errorf("%w: fullname can't be empty", ErrInvalidInput)
		}
		u.Fullname = v
	}
	if p.Login != nil {
		v := strings.TrimSpace(*p.Login)
		if v == "" {
			return fmt.Errorf("%w: login can't be empty", ErrInvalidInput)
		}
		u.Login = v
	}
	if p.Email != nil {
		u.Email = optional(*p.Email)
	}
	if p.Password != nil {
		if *p.Password == "" {
			return fmt.Errorf("%w: password can't be empty", ErrInvalidInput)
		}
		hash, err := hashPassword(*p.Password)
		if err != nil {
			return err
		}
		u.Password = hash
	}
	if p.Avatar != nil {
		u.Avatar = optional(*p.Avatar)
	}
	if p.IsAdmin != nil {
		u.IsAdmin = *p.IsAdmin
	}
	return nil
}

// Delete removes a user with all of its files. When a blob can't be removed
// the user stays, keeping the files that are left.
func (a *Accounts) Delete(ctx context.Context, caller access.Principal, userID uint) error {
	if err := access.CanManageUsers(caller); err != nil {
		return err
	}
	l := a.l.WithFields(log.Fields{"caller_id": caller.ID, "user_id": userID})
	if _, err := a.us.GetUser(userID); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		l.WithError(err).Error("can't get user")
		return ErrInternal
	}
	if err := a.files.RemoveOwnerFiles(ctx, userID); err != nil {
		l.WithError(err).Error("can't remove user files, keeping the user")
		return ErrInternal
	}
	if err := a.us.RemoveUser(userID); err != nil {
		l.WithError(err).Error("can't remove user")
		return ErrInternal
	}
	l.Info("user deleted")
	return nil
}

func (a *Accounts) getWithFiles(id uint) (*database.User, error) {
	u, err := a.us.GetUserWithFiles(id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		a.l.WithError(err).WithField("user_id", id).Error("can't get user")
		return nil, ErrInternal
	}
	return u, nil
}

func (a *Accounts) withToken(u *database.User) (*database.User, string, error) {
	token, err := a.tokens.Issue(u.ID)
	if err != nil {
		a.l.WithError(err).Error("can't issue token")
		return nil, "", ErrInternal
	}
	return u, token, nil
}

func (a *Accounts) saveError(err error, login string) error {
	if errors.Is(err, database.ErrDuplicatedKey) {
		return ErrLoginTaken
	}
	a.l.WithError(err).WithField("login", login).Error("can't save user")
	return ErrInternal
}

func hashPassword(password string) (string, error) {
	hash, err := auth.HashPassword(password)
	switch {
	case errors.Is(err, auth.ErrPasswordTooLong):
		return "", fmt.Errorf("%w: password is longer than 72 bytes", ErrInvalidInput)
	case err != nil:
		return "", ErrInternal
	}
	return hash, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
