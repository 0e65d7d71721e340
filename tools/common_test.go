package tools

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CHAT_T_STR", "v")
	t.Setenv("CHAT_T_INT", "12")
	t.Setenv("CHAT_T_BADINT", "x")
	t.Setenv("CHAT_T_BOOL", "YES")
	t.Setenv("CHAT_T_DUR", "1500ms")
	t.Setenv("CHAT_T_LIST", " a, ,b ,")

	if got := GetEnv("CHAT_T_STR", "d"); got != "v" {
		t.Fatalf("GetEnv = %q", got)
	}
	if got := GetEnv("CHAT_T_UNSET", "d"); got != "d" {
		t.Fatalf("GetEnv default = %q", got)
	}
	if got := GetEnvInt("CHAT_T_INT", 1); got != 12 {
		t.Fatalf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("CHAT_T_BADINT", 1); got != 1 {
		t.Fatalf("GetEnvInt bad = %d", got)
	}
	if !GetEnvBool("CHAT_T_BOOL", false) {
		t.Fatal("GetEnvBool = false")
	}
	if got := GetEnvDuration("CHAT_T_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("GetEnvDuration = %v", got)
	}
	if got := GetEnvList("CHAT_T_LIST", nil); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("GetEnvList = %v", got)
	}
}
