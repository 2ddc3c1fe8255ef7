package config

import (
	"reflect"
	"testing"
)

func TestGetStrings(t *testing.T) {
	fallback := []string{"default:26379"}

	if got := GetStrings("CONFIG_TEST_LIST_UNSET", fallback); !reflect.DeepEqual(got, fallback) {
		t.Fatalf("expected fallback for unset key, got %v", got)
	}

	t.Setenv("CONFIG_TEST_LIST", " a:1, b:2 ,,c:3 ")
	want := []string{"a:1", "b:2", "c:3"}
	if got := GetStrings("CONFIG_TEST_LIST", fallback); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	t.Setenv("CONFIG_TEST_LIST_BLANK", "")
	if got := GetStrings("CONFIG_TEST_LIST_BLANK", fallback); got != nil {
		t.Fatalf("expected nil for blank value, got %v", got)
	}
}
