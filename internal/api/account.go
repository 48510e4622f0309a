package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// GeInfo identifies the authenticated surveyor.
type GeInfo struct {
	Number    string `json:"numero"`
	LastName  string `json:"nom"`
	FirstName string `json:"prenom"`
}

// GeInfo fetches the identity of the configured user.
func (c *Client) GeInfo(ctx context.Context) (*GeInfo, error) {
	resp, err := c.call(ctx, http.MethodGet, onBase, "referentielsoge/ge", url.Values{"numero": {c.cfg.User}}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, Rejection("referentielsoge/ge", resp)
	}
	var doc struct {
		Nom    string `xml:"ge>nom"`
		Prenom string `xml:"ge>prenom"`
	}
	if err := xml.Unmarshal(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("parse ge info: %w", err)
	}
	return &GeInfo{
		Number:    c.cfg.User,
		LastName:  strings.TrimSpace(doc.Nom),
		FirstName: strings.TrimSpace(doc.Prenom),
	}, nil
}

// AccountCapabilities are the rights attached to the API key.
type AccountCapabilities struct {
	Extract bool `json:"extraction_rfu"`
	// ExtractLimit is the side, in Web Mercator meters, of the largest
	// square the account may download.
	ExtractLimit int  `json:"extraction_rfu_limite"`
	Update       bool `json:"mise_a_jour_rfu"`
}

// ParseAccountCapabilities decodes a getmycapabilities document.
func ParseAccountCapabilities(body []byte) (*AccountCapabilities, error) {
	var doc struct {
		Extract string `xml:"cle_api_rfu>extraction_rfu"`
		Limit   string `xml:"cle_api_rfu>extraction_rfu_limite"`
		Update  string `xml:"cle_api_rfu>mise_a_jour_rfu"`
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse account capabilities: %w", err)
	}
	limit, err := parseInt(doc.Limit)
	if err != nil {
		return nil, fmt.Errorf("parse account capabilities: extraction limit: %w", err)
	}
	return &AccountCapabilities{
		Extract:      strings.TrimSpace(doc.Extract) == "oui",
		ExtractLimit: limit,
		Update:       strings.TrimSpace(doc.Update) == "oui",
	}, nil
}

// AccountCapabilities fetches the rights of the API key.
func (c *Client) AccountCapabilities(ctx context.Context) (*AccountCapabilities, error) {
	resp, err := c.call(ctx, http.MethodGet, onRFU, "rfuoge/getmycapabilities", nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, Rejection("getmycapabilities", resp)
	}
	return ParseAccountCapabilities(resp.Body)
}

// Dossier is a case file under which uploads are recorded.
type Dossier struct {
	ID        string `json:"id"`
	Reference string `json:"enr_ref_dossier"`
	Office    string `json:"enr_cab_createur"`
	Zone      string `json:"zone"`
}

// UnmarshalJSON accepts numeric or string ids.
func (d *Dossier) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        json.RawMessage `json:"id"`
		Reference string          `json:"enr_ref_dossier"`
		Office    string          `json:"enr_cab_createur"`
		Zone      string          `json:"zone"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Reference, d.Office, d.Zone = raw.Reference, raw.Office, raw.Zone
	d.ID = strings.Trim(string(raw.ID), `"`)
	return nil
}

// ParseDossiers decodes a dossiersoge/dossiers answer.
func ParseDossiers(body []byte) ([]Dossier, error) {
	var doc struct {
		Count   int       `json:"count"`
		Results []Dossier `json:"results"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse dossiers: %w", err)
	}
	if doc.Results == nil {
		doc.Results = []Dossier{}
	}
	return doc.Results, nil
}

// Dossiers looks up the dossiers of zone carrying the reference ref.
func (c *Client) Dossiers(ctx context.Context, zone, ref string) ([]Dossier, error) {
	resp, err := c.call(ctx, http.MethodGet, onBase, "dossiersoge/dossiers",
		url.Values{"zone": {zone}, "enr_ref_dossier": {ref}}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, Rejection("dossiersoge/dossiers", resp)
	}
	return ParseDossiers(resp.Body)
}

// TokenGrant is a bearer token issued by the token endpoint.
type TokenGrant struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// RequestToken exchanges the user and password for a bearer token.
// Basic authentication is used for this call only.
func (c *Client) RequestToken(ctx context.Context) (*TokenGrant, error) {
	if c.cfg.User == "" || c.cfg.Password == "" {
		return nil, errors.New("request token: user and password are required")
	}
	saved := c.cfg.Token
	c.cfg.Token = ""
	resp, err := c.call(ctx, http.MethodPost, onBase, "token", nil, url.Values{"grant_type": {"client_credentials"}})
	c.cfg.Token = saved
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, Rejection("token", resp)
	}
	var grant TokenGrant
	if err := json.Unmarshal(resp.Body, &grant); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, errors.New("parse token: no access_token in answer")
	}
	return &grant, nil
}

// TokenExpiry reads the exp claim of a JWT bearer token without verifying
// its signature. ok is false for opaque tokens and tokens without exp.
func TokenExpiry(token string) (expiry time.Time, ok bool) {
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenExpired reports whether a JWT token expired before now.
// Tokens whose expiry cannot be read are assumed valid.
func TokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && !now.Before(exp)
}

// FormatID renders a remote id for a query parameter.
func FormatID(id int64) string { return strconv.FormatInt(id, 10) }
