package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/RhysSullivan/codegate/internal/adapter/outbound/cel"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

// compiledRule pairs a rule with its pre-compiled CEL program (nil when the
// rule has no expression).
type compiledRule struct {
	rule    *policy.Rule
	program cel.Program
}

// policySnapshot is the immutable compiled rule set stored in atomic.Value.
// Rules are bucketed by precedence tier and sorted by priority (descending)
// then creation time (ascending).
type policySnapshot struct {
	tiers map[policy.Tier][]compiledRule
	count int
}

// PolicyService evaluates tool calls against the persisted rule set.
// Reads take a lock-free snapshot; Reload swaps the snapshot after a
// control-plane change.
type PolicyService struct {
	store     outbound.PolicyStore
	evaluator *celeval.Evaluator
	snapshot  atomic.Value // *policySnapshot
	reloadMu  sync.Mutex
	cache     *decisionCache
	logger    *slog.Logger
}

var _ policy.Engine = (*PolicyService)(nil)

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithDecisionCacheSize sets the maximum number of cached decisions.
func WithDecisionCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) { s.cache = newDecisionCache(size) }
}

// NewPolicyService loads and compiles the rule set. ctx bounds the initial
// load and can be canceled to abort startup.
func NewPolicyService(ctx context.Context, store outbound.PolicyStore, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create expression evaluator: %w", err)
	}

	s := &PolicyService{
		store:     store,
		evaluator: evaluator,
		cache:     newDecisionCache(1000),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload recompiles the rule set from the store, swaps the snapshot, and
// clears the decision cache. Safe to call concurrently with Evaluate.
func (s *PolicyService) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	rules, err := s.store.ListPolicies(ctx, "")
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	snap := &policySnapshot{tiers: make(map[policy.Tier][]compiledRule)}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := policy.ValidateToolMatch(r.ToolMatch); err != nil {
			s.logger.Warn("skipping rule with invalid tool match", "rule_id", r.ID, "error", err)
			continue
		}
		cr := compiledRule{rule: r}
		if r.Expression != "" {
			prg, err := s.evaluator.Compile(r.Expression)
			if err != nil {
				s.logger.Warn("skipping rule with invalid expression", "rule_id", r.ID, "error", err)
				continue
			}
			cr.program = prg
		}
		tier := r.Tier()
		snap.tiers[tier] = append(snap.tiers[tier], cr)
		snap.count++
	}

	for tier := range snap.tiers {
		bucket := snap.tiers[tier]
		sort.SliceStable(bucket, func(i, j int) bool {
			a, b := bucket[i].rule, bucket[j].rule
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}

	s.snapshot.Store(snap)
	s.cache.Clear()
	s.logger.Info("policy rules loaded", "rules", snap.count)
	return nil
}

// Evaluate resolves the outcome for one call. Precedence: actor+client >
// actor > client > workspace > system-default; within a tier, highest
// priority wins with ties broken by creation time, except that an allow at
// the same priority never displaces a deny or a require_approval.
func (s *PolicyService) Evaluate(ctx context.Context, q policy.Query) (policy.Decision, error) {
	if q.DefaultOutcome == "" {
		q.DefaultOutcome = policy.OutcomeAllow
	}

	key := decisionCacheKey(q)
	if d, ok := s.cache.Get(key); ok {
		return d, nil
	}

	snap, _ := s.snapshot.Load().(*policySnapshot)
	if snap == nil {
		snap = &policySnapshot{}
	}

	decision := policy.Decision{Outcome: q.DefaultOutcome}
	for _, tier := range policy.Tiers {
		winner, ok := s.evaluateTier(snap.tiers[tier], q)
		if !ok {
			continue
		}
		decision = policy.Decision{
			Outcome:  winner.rule.Resolve(q.DefaultOutcome),
			RuleID:   winner.rule.ID,
			RuleName: winner.rule.Name,
			Tier:     tier.String(),
			Reason:   winner.rule.Reason,
		}
		break
	}

	s.cache.Put(key, decision)
	return decision, nil
}

// evaluateTier finds the winning rule in one precedence band. The bucket is
// pre-sorted, so the first match fixes the winning priority; among matches
// at that priority the most severe outcome wins.
func (s *PolicyService) evaluateTier(bucket []compiledRule, q policy.Query) (compiledRule, bool) {
	var winner compiledRule
	found := false

	for _, cr := range bucket {
		if found && cr.rule.Priority < winner.rule.Priority {
			break
		}
		if !s.matches(cr, q) {
			continue
		}
		if !found {
			winner = cr
			found = true
			continue
		}
		// Same priority: severity decides, creation order already favors
		// the earlier rule.
		if cr.rule.Resolve(q.DefaultOutcome).Severity() > winner.rule.Resolve(q.DefaultOutcome).Severity() {
			winner = cr
		}
	}
	return winner, found
}

// matches applies scope, path glob, structured conditions, and the optional
// CEL expression. An expression evaluation failure never grants a match.
func (s *PolicyService) matches(cr compiledRule, q policy.Query) bool {
	r := cr.rule
	if !r.AppliesTo(q.WorkspaceID, q.ActorID, q.ClientID) {
		return false
	}
	if !policy.MatchToolPath(r.ToolMatch, q.ToolPath) {
		return false
	}
	for _, cond := range r.Conditions {
		if !cond.Matches(q.Args) {
			return false
		}
	}
	if cr.program != nil {
		ok, err := s.evaluator.Evaluate(cr.program, celeval.Activation{
			Args:        q.Args,
			ToolPath:    q.ToolPath,
			WorkspaceID: q.WorkspaceID,
			ActorID:     q.ActorID,
			ClientID:    q.ClientID,
		})
		if err != nil {
			s.logger.Warn("rule expression evaluation failed", "rule_id", r.ID, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// decisionCacheKey hashes the full evaluation context. Args are included
// via their JSON form so condition-bearing rules cache correctly.
func decisionCacheKey(q policy.Query) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(q.WorkspaceID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(q.ActorID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(q.ClientID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(q.ToolPath)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(q.DefaultOutcome))
	_, _ = h.Write([]byte{0})
	if len(q.Args) > 0 {
		argsJSON, _ := json.Marshal(q.Args)
		_, _ = h.Write(argsJSON)
	}
	return h.Sum64()
}
