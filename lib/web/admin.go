/*
Copyright 2025 SnowFlow Operations, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"database/sql"
	"net/http"
	"net/mail"
	"strconv"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/snowflow/license-server/lib/license"
	"github.com/snowflow/license-server/lib/storage"
)

type customerWrite struct {
	ServiceIntegratorID string `json:"serviceIntegratorId"`
	Name                string `json:"name"`
	ContactEmail        string `json:"contactEmail"`
	ThemeKey            string `json:"themeKey"`
	Tier                string `json:"tier"`
	DeveloperSeats      *int   `json:"developerSeats"`
	StakeholderSeats    *int   `json:"stakeholderSeats"`
	SeatLimitsEnforced  *bool  `json:"seatLimitsEnforced"`
	Status              string `json:"status"`
	// ExpiresAt (RFC 3339) sets the expiry of the generated license key.
	ExpiresAt string `json:"expiresAt"`
}

func (s *Server) handleCustomerList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	customers, err := s.conf.Store.ListCustomers(ctx, r.URL.Query().Get("integratorId"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{"customers": customers})
}

// handleCustomerCreate creates the tenant and mints its seat-based license
// key in one shot.
func (s *Server) handleCustomerCreate(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req customerWrite
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.Name == "" || req.ServiceIntegratorID == "" {
		sendError(ctx, rw, trace.BadParameter("missing name or serviceIntegratorId"))
		return
	}
	if req.ContactEmail != "" && !isEmail(req.ContactEmail) {
		sendError(ctx, rw, trace.BadParameter("invalid contactEmail %q", req.ContactEmail))
		return
	}
	expiresAt, err := parseTimeParam(req.ExpiresAt)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	if expiresAt.IsZero() {
		expiresAt = s.conf.Clock.Now().AddDate(1, 0, 0)
	}

	tier := license.Tier(req.Tier)
	if req.Tier == "" {
		tier = license.TierEnterprise
	}
	devSeats := intOr(req.DeveloperSeats, -1)
	stakeSeats := intOr(req.StakeholderSeats, -1)
	key, err := license.Generate(license.GenerateParams{
		Tier:       tier,
		Org:        req.Name,
		DevSeats:   devSeats,
		StakeSeats: stakeSeats,
		ExpiresAt:  expiresAt,
	}, s.conf.LicenseSecret, s.conf.Clock.Now())
	if err != nil {
		sendError(ctx, rw, err)
		return
	}

	now := storage.TimeToMillis(s.conf.Clock.Now())
	customer := &storage.Customer{
		ID:                  uuid.NewString(),
		ServiceIntegratorID: req.ServiceIntegratorID,
		Name:                req.Name,
		ContactEmail:        req.ContactEmail,
		LicenseKey:          key,
		ThemeKey:            sql.NullString{String: req.ThemeKey, Valid: req.ThemeKey != ""},
		DeveloperSeats:      devSeats,
		StakeholderSeats:    stakeSeats,
		SeatLimitsEnforced:  req.SeatLimitsEnforced == nil || *req.SeatLimitsEnforced,
		Status:              storage.StatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.conf.Store.CreateCustomer(ctx, customer); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusCreated, customer)
}

func (s *Server) handleCustomerGet(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	customer, err := s.conf.Store.GetCustomer(ctx, params.ByName("id"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, customer)
}

func (s *Server) handleCustomerUpdate(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	customer, err := s.conf.Store.GetCustomer(ctx, params.ByName("id"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	var req customerWrite
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.Name != "" {
		customer.Name = req.Name
	}
	if req.ContactEmail != "" {
		customer.ContactEmail = req.ContactEmail
	}
	if req.ThemeKey != "" {
		customer.ThemeKey = sql.NullString{String: req.ThemeKey, Valid: true}
	}
	if req.DeveloperSeats != nil {
		customer.DeveloperSeats = *req.DeveloperSeats
	}
	if req.StakeholderSeats != nil {
		customer.StakeholderSeats = *req.StakeholderSeats
	}
	if req.SeatLimitsEnforced != nil {
		customer.SeatLimitsEnforced = *req.SeatLimitsEnforced
	}
	if req.Status != "" {
		customer.Status = req.Status
	}
	customer.UpdatedAt = storage.TimeToMillis(s.conf.Clock.Now())
	if err := s.conf.Store.UpdateCustomer(ctx, customer); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, customer)
}

func (s *Server) handleCustomerDelete(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	if err := s.conf.Store.DeleteCustomer(ctx, params.ByName("id")); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCustomerConnections(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	conns, err := s.conf.Store.ListConnections(ctx, params.ByName("id"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{"connections": conns})
}

func (s *Server) handleCustomerEvents(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendError(ctx, rw, trace.BadParameter("invalid limit %q", raw))
			return
		}
		limit = n
	}
	events, err := s.conf.Store.ListConnectionEvents(ctx, params.ByName("id"), limit)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{"events": events})
}

type ssoConfigWrite struct {
	EntryPoint       string `json:"entryPoint"`
	Issuer           string `json:"issuer"`
	IdpCert          string `json:"idpCert"`
	CallbackURL      string `json:"callbackUrl"`
	LogoutURL        string `json:"logoutUrl"`
	NameIDFormat     string `json:"nameIdFormat"`
	SignRequests     bool   `json:"signRequests"`
	AttributeMapping string `json:"attributeMapping"`
	Enabled          *bool  `json:"enabled"`
}

func (s *Server) handleSsoConfigPut(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	customerID := params.ByName("id")
	var req ssoConfigWrite
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.EntryPoint == "" || req.Issuer == "" || req.IdpCert == "" || req.CallbackURL == "" {
		sendError(ctx, rw, trace.BadParameter("entryPoint, issuer, idpCert and callbackUrl are required"))
		return
	}
	now := storage.TimeToMillis(s.conf.Clock.Now())
	conf := &storage.SsoConfig{
		CustomerID:       customerID,
		EntryPoint:       req.EntryPoint,
		Issuer:           req.Issuer,
		IdpCert:          req.IdpCert,
		CallbackURL:      req.CallbackURL,
		LogoutURL:        sql.NullString{String: req.LogoutURL, Valid: req.LogoutURL != ""},
		NameIDFormat:     sql.NullString{String: req.NameIDFormat, Valid: req.NameIDFormat != ""},
		SignRequests:     req.SignRequests,
		AttributeMapping: sql.NullString{String: req.AttributeMapping, Valid: req.AttributeMapping != ""},
		Enabled:          req.Enabled == nil || *req.Enabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.conf.Store.UpsertSsoConfig(ctx, conf); err != nil {
		sendError(ctx, rw, err)
		return
	}
	s.conf.SAML.Invalidate(customerID)
	sendJSON(rw, http.StatusOK, conf)
}

func (s *Server) handleSsoConfigGet(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	conf, err := s.conf.Store.GetSsoConfig(ctx, params.ByName("id"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, conf)
}

func (s *Server) handleSsoConfigDelete(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	customerID := params.ByName("id")
	if err := s.conf.Store.DeleteSsoConfig(ctx, customerID); err != nil {
		sendError(ctx, rw, err)
		return
	}
	s.conf.SAML.Invalidate(customerID)
	sendJSON(rw, http.StatusOK, map[string]bool{"deleted": true})
}

type integratorWrite struct {
	CompanyName      string `json:"companyName"`
	ContactEmail     string `json:"contactEmail"`
	BillingEmail     string `json:"billingEmail"`
	MasterLicenseKey string `json:"masterLicenseKey"`
	WhiteLabelConfig string `json:"whiteLabelConfig"`
	Status           string `json:"status"`
}

func (s *Server) handleIntegratorList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	integrators, err := s.conf.Store.ListServiceIntegrators(ctx)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{"integrators": integrators})
}

func (s *Server) handleIntegratorCreate(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req integratorWrite
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.CompanyName == "" || req.MasterLicenseKey == "" {
		sendError(ctx, rw, trace.BadParameter("missing companyName or masterLicenseKey"))
		return
	}
	if !license.OpaqueSIKeyRe.MatchString(req.MasterLicenseKey) {
		sendError(ctx, rw, trace.BadParameter("master key must match SNOW-SI-XXXX"))
		return
	}
	for _, email := range []string{req.ContactEmail, req.BillingEmail} {
		if email != "" && !isEmail(email) {
			sendError(ctx, rw, trace.BadParameter("invalid email address %q", email))
			return
		}
	}
	now := storage.TimeToMillis(s.conf.Clock.Now())
	si := &storage.ServiceIntegrator{
		ID:               uuid.NewString(),
		CompanyName:      req.CompanyName,
		ContactEmail:     req.ContactEmail,
		BillingEmail:     sql.NullString{String: req.BillingEmail, Valid: req.BillingEmail != ""},
		MasterLicenseKey: req.MasterLicenseKey,
		WhiteLabelConfig: sql.NullString{String: req.WhiteLabelConfig, Valid: req.WhiteLabelConfig != ""},
		Status:           storage.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.conf.Store.CreateServiceIntegrator(ctx, si); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusCreated, si)
}

func (s *Server) handleIntegratorGet(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	si, err := s.conf.Store.GetServiceIntegrator(ctx, params.ByName("id"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, si)
}

func (s *Server) handleIntegratorUpdate(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	si, err := s.conf.Store.GetServiceIntegrator(ctx, params.ByName("id"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	var req integratorWrite
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.CompanyName != "" {
		si.CompanyName = req.CompanyName
	}
	if req.ContactEmail != "" {
		si.ContactEmail = req.ContactEmail
	}
	if req.BillingEmail != "" {
		si.BillingEmail = sql.NullString{String: req.BillingEmail, Valid: true}
	}
	if req.WhiteLabelConfig != "" {
		si.WhiteLabelConfig = sql.NullString{String: req.WhiteLabelConfig, Valid: true}
	}
	if req.Status != "" {
		si.Status = req.Status
	}
	si.UpdatedAt = storage.TimeToMillis(s.conf.Clock.Now())
	if err := s.conf.Store.UpdateServiceIntegrator(ctx, si); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, si)
}

func (s *Server) handleIntegratorDelete(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	if err := s.conf.Store.DeleteServiceIntegrator(ctx, params.ByName("id")); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]bool{"deleted": true})
}

type themeWrite struct {
	ServiceIntegratorID string `json:"serviceIntegratorId"`
	ThemeKey            string `json:"themeKey"`
	DisplayName         string `json:"displayName"`
	PrimaryColor        string `json:"primaryColor"`
	SecondaryColor      string `json:"secondaryColor"`
	Config              string `json:"config"`
	Active              *bool  `json:"active"`
	IsDefault           bool   `json:"isDefault"`
}

func (s *Server) handleThemeList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	themes, err := s.conf.Store.ListThemes(ctx, r.URL.Query().Get("integratorId"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{"themes": themes})
}

func (s *Server) handleThemePut(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	var req themeWrite
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if key := params.ByName("key"); key != "" {
		req.ThemeKey = key
	}
	if req.ThemeKey == "" || req.ServiceIntegratorID == "" {
		sendError(ctx, rw, trace.BadParameter("missing themeKey or serviceIntegratorId"))
		return
	}
	now := storage.TimeToMillis(s.conf.Clock.Now())
	theme := &storage.Theme{
		ID:                  uuid.NewString(),
		ServiceIntegratorID: req.ServiceIntegratorID,
		ThemeKey:            req.ThemeKey,
		DisplayName:         req.DisplayName,
		PrimaryColor:        sql.NullString{String: req.PrimaryColor, Valid: req.PrimaryColor != ""},
		SecondaryColor:      sql.NullString{String: req.SecondaryColor, Valid: req.SecondaryColor != ""},
		Config:              sql.NullString{String: req.Config, Valid: req.Config != ""},
		Active:              req.Active == nil || *req.Active,
		IsDefault:           req.IsDefault,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.conf.Store.UpsertTheme(ctx, theme); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, theme)
}

func (s *Server) handleThemeDelete(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	if err := s.conf.Store.DeleteTheme(ctx, params.ByName("key")); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]bool{"deleted": true})
}

// handleThemeGet is the public white-label fetch; only active themes are
// served and the integrator pointer stays internal.
func (s *Server) handleThemeGet(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	theme, err := s.conf.Store.GetThemeByKey(ctx, params.ByName("key"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{
		"themeKey":       theme.ThemeKey,
		"displayName":    theme.DisplayName,
		"primaryColor":   theme.PrimaryColor.String,
		"secondaryColor": theme.SecondaryColor.String,
		"config":         theme.Config.String,
	})
}

type licenseGenerate struct {
	Tier             string `json:"tier"`
	Org              string `json:"org"`
	DeveloperSeats   int    `json:"developerSeats"`
	StakeholderSeats int    `json:"stakeholderSeats"`
	ExpiresAt        string `json:"expiresAt"`
}

func (s *Server) handleLicenseGenerate(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req licenseGenerate
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	expiresAt, err := parseTimeParam(req.ExpiresAt)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	key, err := license.Generate(license.GenerateParams{
		Tier:       license.Tier(req.Tier),
		Org:        req.Org,
		DevSeats:   req.DeveloperSeats,
		StakeSeats: req.StakeholderSeats,
		ExpiresAt:  expiresAt,
	}, s.conf.LicenseSecret, s.conf.Clock.Now())
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusCreated, map[string]string{"licenseKey": key})
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

// isEmail reports whether str is a plain address without a display name.
func isEmail(str string) bool {
	address, err := mail.ParseAddress(str)
	return err == nil && str == address.Address
}
