package pricing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	toml "github.com/pelletier/go-toml/v2"
)

// catalogFile is the on-disk (and in-bucket) TOML layout of the pricing table.
type catalogFile struct {
	Version   string       `toml:"version"`
	FreeModel string       `toml:"free_model"`
	Models    []modelEntry `toml:"models"`
}

type modelEntry struct {
	ID                    string `toml:"id"`
	Provider              string `toml:"provider"`
	WebSearch             bool   `toml:"web_search"`
	InputCreditsPerMill   uint64 `toml:"input_credits_per_million"`
	OutputCreditsPerMill  uint64 `toml:"output_credits_per_million"`
	ReasoningEffort       string `toml:"reasoning_effort"`
	ReasoningBudgetTokens uint32 `toml:"reasoning_budget_tokens"`
}

// Parse decodes a TOML pricing table. Unknown keys are rejected so a typo in a
// rate name cannot silently price a model at zero.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode pricing table: %w", err)
	}

	descriptors := make([]ModelDescriptor, 0, len(f.Models))
	for _, m := range f.Models {
		reasoning, err := resolveReasoning(m.ReasoningEffort, m.ReasoningBudgetTokens)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", m.ID, err)
		}
		descriptors = append(descriptors, ModelDescriptor{
			ID:                m.ID,
			Provider:          m.Provider,
			SupportsWebSearch: m.WebSearch,
			Pricing: Pricing{
				InputCreditsPerMillionTokens:  m.InputCreditsPerMill,
				OutputCreditsPerMillionTokens: m.OutputCreditsPerMill,
			},
			Reasoning: reasoning,
		})
	}

	return NewCatalog(f.Version, f.FreeModel, descriptors)
}

// LoadFile reads a TOML pricing table from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return Parse(data)
}

// ObjectGetter is the subset of *s3.Client used to fetch the pricing table.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LoadS3 fetches a TOML pricing table from an S3-compatible bucket.
// It is read once at startup; there is no background refresh.
func LoadS3(ctx context.Context, client ObjectGetter, bucket, key string) (*Catalog, error) {
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pricing table s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing table body: %w", err)
	}
	return Parse(data)
}

// DefaultFreeModelID is the free model of the built-in table.
const DefaultFreeModelID = "gpt-4o-mini"

// DefaultCatalog returns the built-in pricing table (1,000 credits per USD).
func DefaultCatalog() *Catalog {
	c, err := NewCatalog("builtin-1", DefaultFreeModelID, []ModelDescriptor{
		{ID: "gpt-4o-mini", Provider: "openai", SupportsWebSearch: true, Pricing: Pricing{150, 600}},
		{ID: "gpt-4o", Provider: "openai", SupportsWebSearch: true, Pricing: Pricing{2500, 10000}},
		{ID: "o3-mini", Provider: "openai", Pricing: Pricing{1100, 4400}, Reasoning: ReasoningEffort{Level: EffortMedium}},
		{ID: "claude-sonnet-4", Provider: "anthropic", Pricing: Pricing{3000, 15000}, Reasoning: ReasoningBudget{Tokens: 8000}},
		{ID: "claude-opus-4", Provider: "anthropic", Pricing: Pricing{15000, 75000}, Reasoning: ReasoningBudget{Tokens: 16000}},
		{ID: "gemini-2.0-flash", Provider: "google", SupportsWebSearch: true, Pricing: Pricing{100, 400}},
	})
	if err != nil {
		panic("pricing: invalid built-in catalog: " + err.Error())
	}
	return c
}
