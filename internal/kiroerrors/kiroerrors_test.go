package kiroerrors

import (
	"strings"
	"testing"
)

func TestEnhanceContextWindow(t *testing.T) {
	info := Enhance([]byte(`{"message":"Improperly formed request.","reason":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`))
	if !strings.Contains(info.UserMessage, "context window") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
	if info.Reason != "CONTENT_LENGTH_EXCEEDS_THRESHOLD" {
		t.Fatalf("Reason = %q", info.Reason)
	}
	if info.OriginalMessage != "Improperly formed request." {
		t.Fatalf("OriginalMessage = %q", info.OriginalMessage)
	}
}

func TestEnhanceInputTooLongMessage(t *testing.T) {
	info := Enhance([]byte(`{"message":"Input is too long."}`))
	if !strings.Contains(info.UserMessage, "context window") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceMonthlyQuota(t *testing.T) {
	info := Enhance([]byte(`{"message":"Free tier limit reached for this month.","reason":"MONTHLY_REQUEST_COUNT"}`))
	if !strings.Contains(info.UserMessage, "quota") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceThrottling(t *testing.T) {
	info := Enhance([]byte(`{"__type":"com.amazon.coral.availability#ThrottlingException","message":"Too many requests, please wait before trying again."}`))
	if !strings.Contains(info.UserMessage, "Rate limited") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceAccessDenied(t *testing.T) {
	info := Enhance([]byte(`{"__type":"AccessDeniedException","message":"User is not authorized to make this call."}`))
	if !strings.Contains(info.UserMessage, "credentials") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceImproperlyFormedWithReason(t *testing.T) {
	info := Enhance([]byte(`{"message":"Improperly formed request.","reason":"INVALID_TOOL_SPEC"}`))
	if !strings.Contains(info.UserMessage, "INVALID_TOOL_SPEC") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceImproperlyFormedWithoutReason(t *testing.T) {
	info := Enhance([]byte(`{"message":"Improperly formed request."}`))
	if !strings.Contains(info.UserMessage, "rejected by the model backend") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceUnknownJSONPassthrough(t *testing.T) {
	info := Enhance([]byte(`{"message":"Something else entirely"}`))
	if info.UserMessage != "Something else entirely" {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceCapitalizedMessageField(t *testing.T) {
	info := Enhance([]byte(`{"Message":"Too many requests"}`))
	if !strings.Contains(info.UserMessage, "Rate limited") {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
}

func TestEnhanceNonJSONPassthrough(t *testing.T) {
	info := Enhance([]byte("  upstream exploded  \n"))
	if info.UserMessage != "upstream exploded" {
		t.Fatalf("UserMessage = %q", info.UserMessage)
	}
	if info.Reason != "" || info.OriginalMessage != "" {
		t.Fatalf("unexpected fields: %+v", info)
	}
}
