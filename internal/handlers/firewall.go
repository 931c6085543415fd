package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"iptablesd/internal/auth"
	"iptablesd/internal/models"
	"iptablesd/internal/services"
	"iptablesd/pkg/iptables"
)

type FirewallHandler struct {
	firewall *services.FirewallService
	audit    auditor
	logger   *zap.Logger
}

func NewFirewallHandler(firewall *services.FirewallService, userService *auth.UserService, logger *zap.Logger) *FirewallHandler {
	return &FirewallHandler{
		firewall: firewall,
		audit:    auditor{users: userService, logger: logger},
		logger:   logger,
	}
}

// chainTarget is target plus the decoded and validated {chain} parameter.
func (h *FirewallHandler) chainTarget(r *http.Request) (*iptables.IPTables, models.Family, string, string, error) {
	ipt, family, table, err := h.target(r)
	if err != nil {
		return nil, family, table, "", err
	}
	chain, err := chainParam(r)
	if err != nil {
		return nil, family, table, "", err
	}
	return ipt, family, table, chain, nil
}

// target resolves the {family} and {table} URL parameters.
func (h *FirewallHandler) target(r *http.Request) (*iptables.IPTables, models.Family, string, error) {
	family := models.Family(chi.URLParam(r, "family"))
	table := chi.URLParam(r, "table")
	if !slices.Contains(iptables.Tables(), table) {
		return nil, family, table, fmt.Errorf("%w: %s", iptables.ErrUnsupportedTable, table)
	}
	ipt, err := h.firewall.For(family)
	if err != nil {
		return nil, family, table, err
	}
	return ipt, family, table, nil
}

func where(family models.Family, table, chain string) string {
	if chain == "" {
		return fmt.Sprintf("%s %s", family, table)
	}
	return fmt.Sprintf("%s %s/%s", family, table, chain)
}

type chainRequest struct {
	Name string `json:"name"`
}

type policyRequest struct {
	Policy string `json:"policy"`
}

type moveRequest struct {
	To int `json:"to"`
}

type executeRequest struct {
	Command string `json:"command"`
}

type executeResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ListChains returns chain names, or full listings with ?detail=1.
func (h *FirewallHandler) ListChains(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, err := h.target(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if r.URL.Query().Get("detail") != "" {
		chains, err := h.firewall.ListChains(r.Context(), family, table)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, chains)
		return
	}

	chains, err := ipt.ListChains(r.Context(), table)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

func (h *FirewallHandler) CreateChain(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, err := h.target(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req chainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	name := req.Name
	if err := iptables.ValidateChainName(name); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := ipt.NewChain(r.Context(), table, name); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "chain_create", where(family, table, name))
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

// ListTableRules returns every rule of the table in -S format.
func (h *FirewallHandler) ListTableRules(w http.ResponseWriter, r *http.Request) {
	ipt, _, table, err := h.target(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rules, err := ipt.ListTable(r.Context(), table)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *FirewallHandler) FlushTable(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, err := h.target(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := ipt.FlushTable(r.Context(), table); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "table_flush", where(family, table, ""))
	writeOK(w)
}

// Execute runs a raw command against the table. Non-zero exits are reported
// in the response body rather than as an HTTP error.
func (h *FirewallHandler) Execute(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, err := h.target(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		badRequest(w, r, "command is required")
		return
	}

	h.audit.log(r, "execute", where(family, table, "")+": "+req.Command)

	out, err := ipt.Execute(r.Context(), table, req.Command)
	if err != nil {
		var ipErr *iptables.Error
		if errors.As(err, &ipErr) && !ipErr.IsLockHeld() {
			writeJSON(w, http.StatusOK, executeResponse{Stderr: ipErr.Stderr, ExitCode: ipErr.Status})
			return
		}
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Stdout:   string(out.Stdout),
		Stderr:   string(out.Stderr),
		ExitCode: out.ExitCode,
	})
}

func (h *FirewallHandler) GetChain(w http.ResponseWriter, r *http.Request) {
	_, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	info, err := h.firewall.GetChain(r.Context(), family, table, chain)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *FirewallHandler) ChainExists(w http.ResponseWriter, r *http.Request) {
	ipt, _, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	exists, err := ipt.ChainExists(r.Context(), table, chain)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// DeleteChain deletes a user-defined chain; ?flush=1 empties it first.
func (h *FirewallHandler) DeleteChain(w http.ResponseWriter, r *http.Request) {
	_, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if iptables.IsBuiltinChain(table, chain) {
		badRequest(w, r, "cannot delete built-in chain "+chain)
		return
	}

	flush := r.URL.Query().Get("flush") != ""
	if err := h.firewall.DeleteChain(r.Context(), family, table, chain, flush); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "chain_delete", where(family, table, chain))
	writeOK(w)
}

func (h *FirewallHandler) RenameChain(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req chainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	name := req.Name
	if err := iptables.ValidateChainName(name); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := ipt.RenameChain(r.Context(), table, chain, name); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "chain_rename", where(family, table, chain)+" -> "+name)
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (h *FirewallHandler) FlushChain(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := ipt.FlushChain(r.Context(), table, chain); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "chain_flush", where(family, table, chain))
	writeOK(w)
}

// ClearChain creates the chain if missing and flushes it otherwise.
func (h *FirewallHandler) ClearChain(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := ipt.ClearChain(r.Context(), table, chain); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "chain_clear", where(family, table, chain))
	writeOK(w)
}

func (h *FirewallHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	ipt, _, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	policy, err := ipt.GetPolicy(r.Context(), table, chain)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policyRequest{Policy: policy})
}

func (h *FirewallHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	_, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req policyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.firewall.SetPolicy(r.Context(), family, table, chain, req.Policy); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "policy_set", where(family, table, chain)+": "+strings.ToUpper(req.Policy))
	writeJSON(w, http.StatusOK, policyRequest{Policy: strings.ToUpper(req.Policy)})
}

// ListRules returns the rules of a chain in -S format.
func (h *FirewallHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	ipt, _, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rules, err := ipt.List(r.Context(), table, chain)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// AddRule appends or inserts a rule. The rule is either an opaque spec or a
// structured input rendered by the firewall service.
func (h *FirewallHandler) AddRule(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req models.RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Position < 0 {
		badRequest(w, r, "position must be positive")
		return
	}

	if req.Input != nil {
		if req.Rule != "" {
			badRequest(w, r, "rule and input are mutually exclusive")
			return
		}
		req.Rule, err = h.firewall.BuildRuleSpec(*req.Input)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	if strings.TrimSpace(req.Rule) == "" {
		badRequest(w, r, "rule is required")
		return
	}

	ctx := r.Context()
	switch {
	case req.Position > 0 && req.Unique:
		err = ipt.InsertUnique(ctx, table, chain, req.Rule, req.Position)
	case req.Position > 0:
		err = ipt.Insert(ctx, table, chain, req.Rule, req.Position)
	case req.Replace:
		err = ipt.AppendReplace(ctx, table, chain, req.Rule)
	case req.Unique:
		err = ipt.AppendUnique(ctx, table, chain, req.Rule)
	default:
		err = ipt.Append(ctx, table, chain, req.Rule)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "rule_add", where(family, table, chain)+": "+req.Rule)
	writeJSON(w, http.StatusCreated, map[string]string{"rule": req.Rule})
}

// DeleteRule deletes the first matching rule, or every match when All is set.
func (h *FirewallHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req models.RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Rule) == "" {
		badRequest(w, r, "rule is required")
		return
	}

	deleted := 1
	if req.All {
		deleted, err = ipt.DeleteAll(r.Context(), table, chain, req.Rule)
	} else {
		err = ipt.Delete(r.Context(), table, chain, req.Rule)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "rule_delete", where(family, table, chain)+": "+req.Rule)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *FirewallHandler) CheckRule(w http.ResponseWriter, r *http.Request) {
	ipt, _, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req models.RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Rule) == "" {
		badRequest(w, r, "rule is required")
		return
	}

	exists, err := ipt.Exists(r.Context(), table, chain, req.Rule)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (h *FirewallHandler) ReplaceRule(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	num, err := intParam(r, "num")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req models.RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Rule) == "" {
		badRequest(w, r, "rule is required")
		return
	}

	if err := ipt.Replace(r.Context(), table, chain, req.Rule, num); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "rule_replace", fmt.Sprintf("%s #%d: %s", where(family, table, chain), num, req.Rule))
	writeJSON(w, http.StatusOK, map[string]string{"rule": req.Rule})
}

func (h *FirewallHandler) DeleteRuleAt(w http.ResponseWriter, r *http.Request) {
	ipt, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	num, err := intParam(r, "num")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := ipt.DeleteAt(r.Context(), table, chain, num); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "rule_delete", fmt.Sprintf("%s #%d", where(family, table, chain), num))
	writeOK(w)
}

func (h *FirewallHandler) MoveRule(w http.ResponseWriter, r *http.Request) {
	_, family, table, chain, err := h.chainTarget(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	num, err := intParam(r, "num")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req moveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.firewall.MoveRule(r.Context(), family, table, chain, num, req.To); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "rule_move", fmt.Sprintf("%s #%d -> #%d", where(family, table, chain), num, req.To))
	writeOK(w)
}

// Save writes the rules of every enabled family to the config directory.
func (h *FirewallHandler) Save(w http.ResponseWriter, r *http.Request) {
	if err := h.firewall.SaveRules(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "rules_save", "")
	writeOK(w)
}

func (h *FirewallHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.firewall.Status())
}
