package plan

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"chatdesk/internal/api"
)

var ErrModelNotAllowed = errors.New("model is not included in the current plan")

type Duration int

const (
	Weekly  Duration = 1
	Monthly Duration = 2
	Yearly  Duration = 3
)

func (d Duration) String() string {
	switch d {
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Yearly:
		return "yearly"
	}
	return "unknown"
}

type Model struct {
	Provider string   `json:"provider"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
	Priority int      `json:"priority"`
}

var displayNames = map[string]string{
	"gemini-2.0-flash":  "Gemini 2.0",
	"gpt-3.5-turbo":     "GPT-3.5",
	"gpt-4o-mini":       "GPT-4o Mini",
	"claude-3-5-sonnet": "Claude 3.5",
	"claude-3-haiku":    "Claude Haiku",
	"claude-4-sonnet":   "Claude 4",
}

func (m Model) DisplayName() string {
	if n, ok := displayNames[m.Name]; ok {
		return n
	}
	return m.Name
}

type Limits struct {
	Tokens string
	Images string
	Audio  string
}

type Plan struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	// OriginalPrice is the pre-discount price; it is set only when a
	// discount applies.
	OriginalPrice decimal.NullDecimal
	DiscountRate  decimal.Decimal
	Duration      Duration
	ColorCode     string
	DisplayOrder  int
	Popular       bool
	Features      []string
	Models        []Model
	Limits        Limits
}

func (p Plan) Free() bool {
	return p.Price.IsZero()
}

// FromResponse derives the catalogue entry of one plan.
func FromResponse(r api.PlanResponse) Plan {
	p := Plan{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Price:        r.Price,
		Duration:     Duration(r.Duration),
		ColorCode:    r.ColorCode,
		DisplayOrder: r.DisplayOrder,
		Popular:      strings.Contains(strings.ToLower(r.Name), "mid"),
		Models:       ParseModels(r.Models),
		Limits:       limitsOf(r),
	}
	if r.DiscountRate != nil {
		p.DiscountRate = *r.DiscountRate
	}
	if orig, ok := OriginalPrice(r.Price, p.DiscountRate); ok {
		p.OriginalPrice = decimal.NewNullDecimal(orig)
	}
	p.Features = featuresOf(p)
	return p
}

// Catalogue converts and orders plans by display order.
func Catalogue(in []api.PlanResponse) []Plan {
	out := make([]Plan, 0, len(in))
	for _, r := range in {
		out = append(out, FromResponse(r))
	}
	slices.SortStableFunc(out, func(a, b Plan) int { return cmp.Compare(a.DisplayOrder, b.DisplayOrder) })
	return out
}

// OriginalPrice is price / (1 - rate/100) rounded to cents. It reports
// false when no discount applies.
func OriginalPrice(price, rate decimal.Decimal) (decimal.Decimal, bool) {
	hundred := decimal.NewFromInt(100)
	if !rate.IsPositive() || rate.GreaterThanOrEqual(hundred) {
		return decimal.Decimal{}, false
	}
	factor := decimal.NewFromInt(1).Sub(rate.Div(hundred))
	return price.Div(factor).Round(2), true
}

// ParseModels accepts a JSON array of model names or model objects, such
// an array encoded inside a JSON string, or a comma separated string.
func ParseModels(raw json.RawMessage) []Model {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		inner = strings.TrimSpace(inner)
		if strings.HasPrefix(inner, "[") {
			return ParseModels(json.RawMessage(inner))
		}
		var out []Model
		for _, n := range strings.Split(inner, ",") {
			if n = strings.TrimSpace(n); n != "" {
				out = append(out, Model{Name: n})
			}
		}
		return out
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		out := make([]Model, 0, len(names))
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				out = append(out, Model{Name: n})
			}
		}
		return out
	}

	var models []Model
	if err := json.Unmarshal(raw, &models); err == nil {
		out := models[:0]
		for _, m := range models {
			if strings.TrimSpace(m.Name) != "" {
				out = append(out, m)
			}
		}
		slices.SortStableFunc(out, func(a, b Model) int { return cmp.Compare(a.Priority, b.Priority) })
		return out
	}
	return nil
}

func ModelNames(models []Model) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		out = append(out, m.Name)
	}
	return out
}

// FormatPrice renders a price for display.
func FormatPrice(p decimal.Decimal) string {
	if p.IsZero() {
		return "Free"
	}
	return "₺" + p.StringFixed(2)
}

func limitsOf(r api.PlanResponse) Limits {
	var l Limits
	switch {
	case r.MonthlyInputTokenLimit > 0:
		l.Tokens = scaled(r.MonthlyInputTokenLimit, 1000) + "K tokens/month"
	case r.YearlyInputTokenLimit > 0:
		l.Tokens = scaled(r.YearlyInputTokenLimit, 1000000) + "M tokens/year"
	default:
		l.Tokens = "Unlimited"
	}
	switch {
	case r.MonthlyImageLimit > 0:
		l.Images = fmt.Sprintf("%d images/month", r.MonthlyImageLimit)
	case r.YearlyImageLimit > 0:
		l.Images = fmt.Sprintf("%d images/year", r.YearlyImageLimit)
	default:
		l.Images = "Not included"
	}
	if r.MonthlyAudioMinutesLimit > 0 {
		l.Audio = fmt.Sprintf("%d min/month", r.MonthlyAudioMinutesLimit)
	} else {
		l.Audio = "Not included"
	}
	return l
}

func scaled(v, div int64) string {
	return decimal.NewFromInt(v).Div(decimal.NewFromInt(div)).String()
}

func featuresOf(p Plan) []string {
	features := []string{fmt.Sprintf("%d AI models", len(p.Models))}
	name := strings.ToLower(p.Name)
	switch {
	case strings.Contains(name, "enterprise") || strings.Contains(name, "kurumsal"):
		features = append(features, "Priority support")
	case p.Free():
		features = append(features, "Basic support")
	default:
		features = append(features, "Standard support")
	}
	if p.DiscountRate.IsPositive() {
		features = append(features, p.DiscountRate.String()+"% off")
	}
	return features
}

// Source is the part of the REST client the catalogue reads.
type Source interface {
	Plans(ctx context.Context, onlyActive bool) ([]api.PlanResponse, error)
	Plan(ctx context.Context, id string) (api.PlanResponse, error)
	PlanModels(ctx context.Context) (api.PlanModelsResponse, error)
}

type Catalog struct {
	src Source
}

func NewCatalog(src Source) *Catalog {
	return &Catalog{src: src}
}

func (c *Catalog) Active(ctx context.Context) ([]Plan, error) {
	resp, err := c.src.Plans(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	return Catalogue(resp), nil
}

func (c *Catalog) Get(ctx context.Context, id string) (Plan, error) {
	resp, err := c.src.Plan(ctx, id)
	if err != nil {
		return Plan{}, fmt.Errorf("load plan %s: %w", id, err)
	}
	return FromResponse(resp), nil
}

// AllowedModels lists the model names the user's plan grants.
func (c *Catalog) AllowedModels(ctx context.Context) ([]string, error) {
	resp, err := c.src.PlanModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plan models: %w", err)
	}
	raw, err := json.Marshal(resp.Models)
	if err != nil {
		return nil, err
	}
	return ModelNames(ParseModels(raw)), nil
}

// ValidateModel rejects a model the plan does not grant. An empty grant
// list places no restriction.
func (c *Catalog) ValidateModel(ctx context.Context, model string) error {
	allowed, err := c.AllowedModels(ctx)
	if err != nil {
		return err
	}
	if len(allowed) == 0 || slices.Contains(allowed, model) {
		return nil
	}
	return fmt.Errorf("%w: %s (allowed: %s)", ErrModelNotAllowed, model, strings.Join(allowed, ", "))
}
