package validation

import "testing"

func TestIsValidTrackingCode(t *testing.T) {
	valid := []string{"MUK00000000-AU", "MUK12345678-AU", "MUK99999999-AU"}
	for _, code := range valid {
		if !IsValidTrackingCode(code) {
			t.Errorf("expected %q to be valid", code)
		}
	}

	invalid := []string{
		"",
		"MUK1234567-AU",   // too short
		"MUK123456789-AU", // too long
		"MUK12345678-EU",  // wrong suffix
		"muk12345678-AU",  // lowercase
		"MUK12345678AU",   // missing dash
	}
	for _, code := range invalid {
		if IsValidTrackingCode(code) {
			t.Errorf("expected %q to be invalid", code)
		}
	}
}

func TestIsValidSettlementHash(t *testing.T) {
	if !IsValidSettlementHash("TX_HASH_ABCDEFGHIJ0123456789") {
		t.Error("expected valid hash to pass")
	}

	invalid := []string{
		"",
		"TX_HASH_abcdefghij0123456789", // lowercase
		"TX_HASH_ABC",                  // too short
		"HASH_ABCDEFGHIJ0123456789",    // missing prefix
	}
	for _, h := range invalid {
		if IsValidSettlementHash(h) {
			t.Errorf("expected %q to be invalid", h)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	for _, s := range []string{"buyer@example.com", "a.b+c@d.co"} {
		if !IsValidEmail(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	for _, s := range []string{"", "not-an-email", "a@b", "a b@c.com"} {
		if IsValidEmail(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestIsValidRecordID(t *testing.T) {
	if !IsValidRecordID("led_0123456789abcdef01234567") {
		t.Error("expected valid record ID to pass")
	}
	for _, id := range []string{"", "led_short", "LED_0123456789abcdef01234567", "0123456789abcdef01234567"} {
		if IsValidRecordID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("reason", ""),
		ValidEmail("email", "nope"),
		MaxLength("note", "toolong", 3),
		PositiveAmount("amount", 0),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}

	errs = Validate(
		Required("reason", "buyer withdrew"),
		ValidEmail("email", "buyer@example.com"),
		PositiveAmount("amount", 500),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}
