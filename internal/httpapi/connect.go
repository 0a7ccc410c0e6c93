package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"keyconnect/internal/license"
)

const maxConnectBody = 64 << 10

// Field names accepted from the Android clients, in lookup order.
var (
	keyFields  = []string{"key", "Key", "password", "Password"}
	uuidFields = []string{"uuid", "UUID"}
)

type connectData struct {
	Token string `json:"token"`
	Rng   int64  `json:"rng"`
	EXP   string `json:"EXP"`
}

type connectSuccess struct {
	Success bool        `json:"success"`
	Data    connectData `json:"data"`
}

// The clients read the message from different fields and crash on a
// missing data object, so failures fill all of them.
type connectFailure struct {
	Success    bool        `json:"success"`
	Reason     string      `json:"reason"`
	Error      string      `json:"error"`
	ErrorUpper string      `json:"Error"`
	Message    string      `json:"message"`
	MessageUp  string      `json:"Message"`
	Err        string      `json:"err"`
	Msg        string      `json:"msg"`
	Data       failureData `json:"data"`
}

type failureData struct {
	Token      string `json:"token"`
	TokenUpper string `json:"Token"`
	Rng        int64  `json:"rng"`
	EXP        string `json:"EXP"`
	Exp        string `json:"exp"`
	ExpTitle   string `json:"Exp"`
}

type outcomeReply struct {
	status  int
	message string
}

var outcomeReplies = map[license.Outcome]outcomeReply{
	license.OutcomeMissingKey:         {http.StatusBadRequest, "Missing key"},
	license.OutcomeInvalidKey:         {http.StatusForbidden, "Invalid key"},
	license.OutcomeSellerSuspended:    {http.StatusForbidden, "Seller suspended"},
	license.OutcomeExpired:            {http.StatusForbidden, "Key expired"},
	license.OutcomeUnderMaintenance:   {http.StatusServiceUnavailable, "Under maintenance"},
	license.OutcomeDeviceLimitReached: {http.StatusForbidden, "Device limit reached"},
	license.OutcomeStoreUnavailable:   {http.StatusInternalServerError, "Server error"},
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(chi.URLParam(r, "slug"))
	if slug == "" {
		writeConnectFailure(w, http.StatusBadRequest, "Missing slug")
		return
	}
	key, device := connectParams(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), a.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	res, err := a.validator.Validate(ctx, license.Request{Key: key, UUID: device, SellerSlug: slug})
	if a.metrics != nil {
		a.metrics.ObserveValidation(res.Outcome.String(), time.Since(start))
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("seller", slug).Msg("connect validation failed")
	}

	if res.OK() {
		writeJSON(w, http.StatusOK, connectSuccess{
			Success: true,
			Data: connectData{
				Token: res.Token,
				Rng:   a.clock.Now().Unix(),
				EXP:   res.EffectiveExpiry.UTC().Format(time.RFC3339),
			},
		})
		return
	}
	reply, ok := outcomeReplies[res.Outcome]
	if !ok {
		reply = outcomeReplies[license.OutcomeStoreUnavailable]
	}
	writeConnectFailure(w, reply.status, reply.message)
}

func (a *API) handleConnectGet(w http.ResponseWriter, r *http.Request) {
	writeConnectFailure(w, http.StatusMethodNotAllowed, "Use POST with key and uuid")
}

func writeConnectFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, connectFailure{
		Reason:     msg,
		Error:      msg,
		ErrorUpper: msg,
		Message:    msg,
		MessageUp:  msg,
		Err:        msg,
		Msg:        msg,
		Data: failureData{
			Token:      " ",
			TokenUpper: " ",
			EXP:        " ",
			Exp:        " ",
			ExpTitle:   " ",
		},
	})
}

// connectParams reads key and uuid from a JSON body, a form body or the
// query string. Body values win over query values.
func connectParams(w http.ResponseWriter, r *http.Request) (key, uuid string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxConnectBody)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		raw, err := io.ReadAll(r.Body)
		if err == nil && json.Unmarshal(raw, &body) == nil {
			key = firstString(body, keyFields)
			uuid = firstString(body, uuidFields)
		}
	}
	if err := r.ParseForm(); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("connect form parse failed")
	}
	if key == "" {
		key = firstForm(r, keyFields)
	}
	if uuid == "" {
		uuid = firstForm(r, uuidFields)
	}
	return key, strings.TrimSpace(uuid)
}

func firstString(body map[string]any, fields []string) string {
	for _, f := range fields {
		if s, ok := body[f].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstForm(r *http.Request, fields []string) string {
	for _, f := range fields {
		if v := r.Form.Get(f); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
