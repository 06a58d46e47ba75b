package plan

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"chatdesk/internal/api"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOriginalPrice(t *testing.T) {
	got, ok := OriginalPrice(dec("80"), dec("20"))
	require.True(t, ok)
	require.Equal(t, "100", got.String())

	got, ok = OriginalPrice(dec("199.90"), dec("15"))
	require.True(t, ok)
	require.Equal(t, "235.18", got.StringFixed(2))

	for _, rate := range []string{"0", "-5", "100", "120"} {
		_, ok := OriginalPrice(dec("50"), dec(rate))
		require.False(t, ok, "rate %s", rate)
	}
}

func TestParseModels(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"array", `["gpt-4o-mini","gemini-2.0-flash"]`, []string{"gpt-4o-mini", "gemini-2.0-flash"}},
		{"string encoded", `"[\"claude-3-haiku\"]"`, []string{"claude-3-haiku"}},
		{"objects by priority", `[{"name":"b","priority":2},{"name":"a","priority":1},{"name":""}]`, []string{"a", "b"}},
		{"comma list", `"gpt-4o-mini, claude-4-sonnet"`, []string{"gpt-4o-mini", "claude-4-sonnet"}},
		{"null", `null`, nil},
		{"garbage", `{"x":1}`, nil},
		{"empty string", `""`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ModelNames(ParseModels(json.RawMessage(tc.raw)))
			if len(tc.want) == 0 {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCatalogueOrderAndDerivedFields(t *testing.T) {
	rate := dec("20")
	plans := Catalogue([]api.PlanResponse{
		{ID: "ent", Name: "Enterprise", DisplayOrder: 3, Price: dec("999"), Duration: 3, YearlyInputTokenLimit: 2500000},
		{ID: "free", Name: "Free", DisplayOrder: 1, Duration: 2, Models: json.RawMessage(`"[\"gemini-2.0-flash\"]"`)},
		{
			ID: "mid", Name: "Mid", DisplayOrder: 2, Price: dec("80"), DiscountRate: &rate, Duration: 2,
			Models:                 json.RawMessage(`["gpt-4o-mini","claude-3-haiku"]`),
			MonthlyInputTokenLimit: 1500, MonthlyImageLimit: 30, MonthlyAudioMinutesLimit: 60,
		},
	})

	require.Len(t, plans, 3)
	require.Equal(t, []string{"free", "mid", "ent"}, []string{plans[0].ID, plans[1].ID, plans[2].ID})

	free, mid, ent := plans[0], plans[1], plans[2]
	require.True(t, free.Free())
	require.False(t, free.OriginalPrice.Valid)
	require.Equal(t, "Unlimited", free.Limits.Tokens)
	require.Equal(t, "Not included", free.Limits.Images)
	require.Equal(t, []string{"1 AI models", "Basic support"}, free.Features)

	require.True(t, mid.Popular)
	require.True(t, mid.OriginalPrice.Valid)
	require.Equal(t, "100", mid.OriginalPrice.Decimal.String())
	require.Equal(t, Monthly, mid.Duration)
	require.Equal(t, "1.5K tokens/month", mid.Limits.Tokens)
	require.Equal(t, "30 images/month", mid.Limits.Images)
	require.Equal(t, "60 min/month", mid.Limits.Audio)
	require.Equal(t, []string{"2 AI models", "Standard support", "20% off"}, mid.Features)

	require.Equal(t, "yearly", ent.Duration.String())
	require.Equal(t, "2.5M tokens/year", ent.Limits.Tokens)
	require.Contains(t, ent.Features, "Priority support")
}

func TestFormatting(t *testing.T) {
	require.Equal(t, "Free", FormatPrice(decimal.Zero))
	require.Equal(t, "₺49.90", FormatPrice(dec("49.9")))
	require.Equal(t, "Claude 4", Model{Name: "claude-4-sonnet"}.DisplayName())
	require.Equal(t, "custom-model", Model{Name: "custom-model"}.DisplayName())
	require.Equal(t, "unknown", Duration(9).String())
}

type fakeSource struct {
	models string
	err    error
}

func (f fakeSource) Plans(context.Context, bool) ([]api.PlanResponse, error) {
	return []api.PlanResponse{{ID: "b", DisplayOrder: 2}, {ID: "a", DisplayOrder: 1}}, f.err
}

func (f fakeSource) Plan(_ context.Context, id string) (api.PlanResponse, error) {
	return api.PlanResponse{ID: id, Name: "Pro"}, f.err
}

func (f fakeSource) PlanModels(context.Context) (api.PlanModelsResponse, error) {
	return api.PlanModelsResponse{Models: f.models}, f.err
}

func TestCatalogValidateModel(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(fakeSource{models: `["gemini-2.0-flash","gpt-4o-mini"]`})

	allowed, err := c.AllowedModels(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"gemini-2.0-flash", "gpt-4o-mini"}, allowed)

	require.NoError(t, c.ValidateModel(ctx, "gpt-4o-mini"))
	require.ErrorIs(t, c.ValidateModel(ctx, "claude-4-sonnet"), ErrModelNotAllowed)

	open := NewCatalog(fakeSource{})
	require.NoError(t, open.ValidateModel(ctx, "anything"))

	active, err := c.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", active[0].ID)

	broken := NewCatalog(fakeSource{err: errors.New("down")})
	_, err = broken.Active(ctx)
	require.Error(t, err)
}
