package secret

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSMClient struct {
	params map[string]string
	calls  int
}

func (f *fakeSSMClient) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	if input.WithDecryption == nil || !*input.WithDecryption {
		return nil, fmt.Errorf("expected WithDecryption")
	}
	val, ok := f.params[*input.Name]
	if !ok {
		return nil, fmt.Errorf("parameter not found: %s", *input.Name)
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{
			Name:  input.Name,
			Value: aws.String(val),
		},
	}, nil
}

func TestSSMResolver_GetSecret(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{
		"/calvoice/google-client-secret": "super-secret-value",
	}}
	resolver := NewSSMResolver(client)

	val, err := resolver.GetSecret(context.Background(), "/calvoice/google-client-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "super-secret-value" {
		t.Fatalf("expected %q, got %q", "super-secret-value", val)
	}

	if _, err := resolver.GetSecret(context.Background(), "/calvoice/nonexistent"); err == nil {
		t.Fatal("expected error for missing parameter, got nil")
	}
}

func TestEnvResolver_GetSecret(t *testing.T) {
	t.Setenv("LLM_API_KEY", "env-secret-value")
	resolver := NewEnvResolver()

	val, err := resolver.GetSecret(context.Background(), "/calvoice/llm-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "env-secret-value" {
		t.Fatalf("expected %q, got %q", "env-secret-value", val)
	}

	if _, err := resolver.GetSecret(context.Background(), "/calvoice/nonexistent-secret"); err == nil {
		t.Fatal("expected error for missing env var, got nil")
	}
}

func TestParamNameToEnvVar(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/calvoice/dev-jwt-secret", "DEV_JWT_SECRET"},
		{"/calvoice/google-client-secret", "GOOGLE_CLIENT_SECRET"},
		{"/calvoice/api-gateway-secret", "API_GATEWAY_SECRET"},
		{"llm-api-key", "LLM_API_KEY"},
	}

	for _, tc := range tests {
		got := paramNameToEnvVar(tc.input)
		if got != tc.expected {
			t.Errorf("paramNameToEnvVar(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestCachingResolver(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{"/calvoice/llm-api-key": "k"}}
	r := NewCachingResolver(NewSSMResolver(client))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if v, err := r.GetSecret(ctx, "/calvoice/llm-api-key"); err != nil || v != "k" {
			t.Fatalf("GetSecret = %q, %v", v, err)
		}
	}
	if client.calls != 1 {
		t.Errorf("Expected 1 SSM call, got %d", client.calls)
	}

	r.GetSecret(ctx, "/calvoice/missing")
	r.GetSecret(ctx, "/calvoice/missing")
	if client.calls != 3 {
		t.Errorf("Expected failures to bypass the cache, got %d calls", client.calls)
	}
}

func TestOptional(t *testing.T) {
	r := NewSSMResolver(&fakeSSMClient{params: map[string]string{"/a": "x"}})
	if got := Optional(context.Background(), r, "/a"); got != "x" {
		t.Errorf("Optional = %q", got)
	}
	if got := Optional(context.Background(), r, "/b"); got != "" {
		t.Errorf("Optional on missing = %q", got)
	}
	if got := Optional(context.Background(), r, ""); got != "" {
		t.Errorf("Optional on empty name = %q", got)
	}
}
