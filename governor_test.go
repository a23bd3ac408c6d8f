package scriptbox

import (
	"strings"
	"testing"
)

func testGovernor() *governor {
	return newGovernor(Config{
		MaxScriptBodySize: 100,
		MaxTotalArgsSize:  50,
		MaxResultSize:     80,
	})
}

func TestCheckBodyBoundary(t *testing.T) {
	g := testGovernor()

	if err := g.checkBody(strings.Repeat("a", 100)); err != nil {
		t.Errorf("body at the limit should pass: %v", err)
	}
	err := g.checkBody(strings.Repeat("a", 101))
	se := wantCode(t, err, CodeOversizedScript)
	if !strings.Contains(se.Error(), "limit 100") {
		t.Errorf("error = %v, want limit in message", se)
	}
}

func TestEncodeArgs(t *testing.T) {
	g := testGovernor()

	enc, err := g.encodeArgs([]any{1, "two", []int{3}})
	if err != nil {
		t.Fatalf("encodeArgs: %v", err)
	}
	want := []string{"1", `"two"`, "[3]"}
	for i, w := range want {
		if string(enc[i]) != w {
			t.Errorf("enc[%d] = %s, want %s", i, enc[i], w)
		}
	}
}

func TestEncodeArgsSizeCeiling(t *testing.T) {
	g := testGovernor()

	// Two strings of 24 payload bytes serialize to 26 bytes each, over the
	// 50-byte combined ceiling.
	_, err := g.encodeArgs([]any{strings.Repeat("a", 24), strings.Repeat("b", 24)})
	wantCode(t, err, CodeOversizedArgs)

	if _, err := g.encodeArgs([]any{strings.Repeat("a", 24)}); err != nil {
		t.Errorf("single small arg should pass: %v", err)
	}
}

func TestEncodeArgsUnserializable(t *testing.T) {
	g := testGovernor()

	_, err := g.encodeArgs([]any{make(chan int)})
	se := wantCode(t, err, CodeRuntime)
	if !strings.Contains(se.Error(), "argument 0") {
		t.Errorf("error = %v, want argument index", se)
	}
}

func TestCheckResultBoundary(t *testing.T) {
	g := testGovernor()

	if err := g.checkResult(strings.Repeat("x", 80)); err != nil {
		t.Errorf("result at the limit should pass: %v", err)
	}
	err := g.checkResult(strings.Repeat("x", 81))
	wantCode(t, err, CodeOversizedResult)
}
