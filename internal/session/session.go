// Package session keeps the local account registry and the signed-in session
// that decides which user namespace the planner opens.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"plansync/internal/kv"
	"plansync/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	UsersKey   = "plansync_users"
	SessionKey = "plansync_session"

	DefaultIdleTimeout     = 30 * time.Minute
	DefaultAbsoluteTimeout = 8 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserExists         = errors.New("user already exists")
	ErrNotSignedIn        = errors.New("not signed in")
)

type Config struct {
	Secret          []byte
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
}

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type account struct {
	User         model.User `json:"user"`
	PasswordHash string     `json:"passwordHash"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type state struct {
	ID       string    `json:"id"`
	Token    string    `json:"token"`
	LastSeen time.Time `json:"lastSeen"`
}

type Guard struct {
	store  kv.Store
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

func New(store kv.Store, cfg Config, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	return &Guard{store: store, cfg: cfg, logger: logger, now: time.Now}
}

func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a local account. The password is stored as a bcrypt hash.
func (g *Guard) Register(email, name, password string) (model.User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return model.User{}, fmt.Errorf("invalid email %q", email)
	}
	if password == "" {
		return model.User{}, errors.New("password is empty")
	}
	accounts, err := g.accounts()
	if err != nil {
		return model.User{}, err
	}
	if _, ok := accounts[email]; ok {
		return model.User{}, fmt.Errorf("%w: %s", ErrUserExists, email)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	u := model.User{ID: uuid.NewString(), Email: email, Name: strings.TrimSpace(name)}
	accounts[email] = account{User: u, PasswordHash: string(hash), CreatedAt: g.now().UTC()}
	if err := g.saveAccounts(accounts); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Login verifies the credentials and starts a new session, replacing any
// existing one.
func (g *Guard) Login(email, password string) (model.User, error) {
	accounts, err := g.accounts()
	if err != nil {
		return model.User{}, err
	}
	acct, ok := accounts[normalizeEmail(email)]
	if !ok {
		return model.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return model.User{}, ErrInvalidCredentials
	}

	now := g.now()
	id := uuid.NewString()
	claims := Claims{
		UserID: acct.User.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   acct.User.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.cfg.AbsoluteTimeout)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
	if err != nil {
		return model.User{}, fmt.Errorf("sign session: %w", err)
	}
	if err := g.saveState(state{ID: id, Token: token, LastSeen: now.UTC()}); err != nil {
		return model.User{}, err
	}
	return acct.User, nil
}

// CurrentUser returns the signed-in user, or nil when there is no session or
// it is invalid or expired. Expired sessions are cleared.
func (g *Guard) CurrentUser() *model.User {
	u, err := g.current()
	if err != nil {
		if !errors.Is(err, ErrNotSignedIn) {
			g.logger.Printf("session: %v", err)
			g.clear()
		}
		return nil
	}
	return u
}

// Touch records activity on the current session, resetting the idle clock.
func (g *Guard) Touch() error {
	if _, err := g.current(); err != nil {
		return err
	}
	st, _, err := g.loadState()
	if err != nil {
		return err
	}
	st.LastSeen = g.now().UTC()
	return g.saveState(st)
}

func (g *Guard) Logout() error {
	return g.store.Delete(SessionKey)
}

func (g *Guard) current() (*model.User, error) {
	st, ok, err := g.loadState()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotSignedIn
	}
	now := g.now()
	if now.Sub(st.LastSeen) > g.cfg.IdleTimeout {
		return nil, fmt.Errorf("session %s idle since %s", st.ID, st.LastSeen.Format(time.RFC3339))
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(st.Token, claims, func(*jwt.Token) (interface{}, error) {
		return g.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(g.now))
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", st.ID, err)
	}
	if claims.ID != st.ID {
		return nil, fmt.Errorf("session %s: token id mismatch", st.ID)
	}

	accounts, err := g.accounts()
	if err != nil {
		return nil, err
	}
	for _, acct := range accounts {
		if acct.User.ID == claims.UserID {
			u := acct.User
			return &u, nil
		}
	}
	return nil, fmt.Errorf("session %s: user %s no longer exists", st.ID, claims.UserID)
}

func (g *Guard) clear() {
	if err := g.store.Delete(SessionKey); err != nil {
		g.logger.Printf("session: clear: %v", err)
	}
}

func (g *Guard) accounts() (map[string]account, error) {
	raw, ok, err := g.store.Get(UsersKey)
	if err != nil {
		return nil, err
	}
	out := map[string]account{}
	if !ok || strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", UsersKey, err)
	}
	return out, nil
}

func (g *Guard) saveAccounts(accounts map[string]account) error {
	b, err := json.Marshal(accounts)
	if err != nil {
		return err
	}
	return g.store.Set(UsersKey, string(b))
}

// loadState treats an undecodable session as absent.
func (g *Guard) loadState() (state, bool, error) {
	raw, ok, err := g.store.Get(SessionKey)
	if err != nil || !ok {
		return state{}, false, err
	}
	var st state
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.Token == "" {
		return state{}, false, nil
	}
	return st, true, nil
}

func (g *Guard) saveState(st state) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return g.store.Set(SessionKey, string(b))
}
