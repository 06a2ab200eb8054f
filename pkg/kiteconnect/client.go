// Package kiteconnect implements the HTTP collaborators of the feed
// engine: the two-step login that yields an encoded auth token, and the
// instrument dump download used to build subscription batches.
package kiteconnect

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	defaultLoginURL       = "https://kite.zerodha.com/api/login"
	defaultTwoFAURL       = "https://kite.zerodha.com/api/twofa"
	defaultInstrumentsURL = "https://api.kite.trade/instruments"
	defaultTimeout        = 10 * time.Second
)

// Config configures the Client. UserID, Password and TOTPSecret are
// required for FreshToken; APIKey is sent as the X-Kite-Version app
// identification header.
type Config struct {
	APIKey     string
	UserID     string
	Password   string
	TOTPSecret string

	LoginURL       string
	TwoFAURL       string
	InstrumentsURL string
	Timeout        time.Duration
}

// Client talks to the broker's REST endpoints. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient validates credentials and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.UserID == "" || cfg.Password == "" || cfg.TOTPSecret == "" {
		return nil, errors.New("user id, password and totp secret are required")
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = defaultLoginURL
	}
	if cfg.TwoFAURL == "" {
		cfg.TwoFAURL = defaultTwoFAURL
	}
	if cfg.InstrumentsURL == "" {
		cfg.InstrumentsURL = defaultInstrumentsURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		RequestID string `json:"request_id"`
	} `json:"data"`
	Message string `json:"message"`
}

// FreshToken performs the password + TOTP two-factor login and returns
// the enctoken issued by the server. Implements model.Authenticator.
func (c *Client) FreshToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		userID = c.cfg.UserID
	}

	requestID, err := c.login(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}

	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}

	token, err := c.twoFA(ctx, userID, requestID, code)
	if err != nil {
		return "", fmt.Errorf("twofa: %w", err)
	}
	return token, nil
}

func (c *Client) login(ctx context.Context, userID string) (string, error) {
	form := url.Values{}
	form.Set("user_id", userID)
	form.Set("password", c.cfg.Password)

	body, _, err := c.postForm(ctx, c.cfg.LoginURL, form)
	if err != nil {
		return "", err
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if lr.Status != "success" || lr.Data.RequestID == "" {
		return "", fmt.Errorf("login rejected: %s", lr.Message)
	}
	return lr.Data.RequestID, nil
}

func (c *Client) twoFA(ctx context.Context, userID, requestID, code string) (string, error) {
	form := url.Values{}
	form.Set("user_id", userID)
	form.Set("request_id", requestID)
	form.Set("twofa_value", code)
	form.Set("twofa_type", "totp")

	_, cookies, err := c.postForm(ctx, c.cfg.TwoFAURL, form)
	if err != nil {
		return "", err
	}
	for _, ck := range cookies {
		if ck.Name == "enctoken" && ck.Value != "" {
			return ck.Value, nil
		}
	}
	return "", errors.New("no enctoken cookie in twofa response")
}

func (c *Client) postForm(ctx context.Context, target string, form url.Values) ([]byte, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Kite-Version", "3")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return body, resp.Cookies(), fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, resp.Cookies(), nil
}

// InstrumentTokens downloads the instrument dump (CSV) and returns every
// instrument token in file order. Implements model.InstrumentSource.
func (c *Client) InstrumentTokens(ctx context.Context) ([]uint32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.InstrumentsURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch instruments: status %d", resp.StatusCode)
	}

	r := csv.NewReader(resp.Body)
	r.FieldsPerRecord = -1 // the dump's column count has changed before

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read instruments header: %w", err)
	}
	tokenCol := -1
	for i, name := range header {
		if name == "instrument_token" {
			tokenCol = i
			break
		}
	}
	if tokenCol < 0 {
		return nil, errors.New("instrument dump has no instrument_token column")
	}

	var tokens []uint32
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read instruments row: %w", err)
		}
		if tokenCol >= len(rec) {
			continue
		}
		n, err := strconv.ParseUint(rec[tokenCol], 10, 32)
		if err != nil {
			continue
		}
		tokens = append(tokens, uint32(n))
	}
	return tokens, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
