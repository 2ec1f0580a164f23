package streamapi

import "testing"

func TestImportTasksRequestValidation(t *testing.T) {
	cases := []struct {
		name string
		req  importTasksRequest
		want bool
	}{
		{"complete", importTasksRequest{Owner: "acme", Repo: "widgets", Number: 1, Model: "claude-sonnet-4"}, true},
		{"missing owner", importTasksRequest{Repo: "widgets", Number: 1, Model: "claude-sonnet-4"}, false},
		{"missing number", importTasksRequest{Owner: "acme", Repo: "widgets", Model: "claude-sonnet-4"}, false},
		{"missing model", importTasksRequest{Owner: "acme", Repo: "widgets", Number: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.req.Owner != "" && tc.req.Repo != "" && tc.req.Number != 0 && tc.req.Model != ""
			if got != tc.want {
				t.Fatalf("validation for %+v = %v, want %v", tc.req, got, tc.want)
			}
		})
	}
}

func TestMustQuoteProducesValidJSONString(t *testing.T) {
	got := string(mustQuote(`hello "world"`))
	want := `"hello \"world\""`
	if got != want {
		t.Fatalf("mustQuote = %s, want %s", got, want)
	}
}

func TestRawFrameSetsType(t *testing.T) {
	f := rawFrame("log", "a chunk of output")
	if f.Type != "log" {
		t.Fatalf("expected type log, got %s", f.Type)
	}
	if len(f.Data) == 0 {
		t.Fatalf("expected non-empty data")
	}
}
