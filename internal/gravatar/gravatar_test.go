package gravatar

import "testing"

func TestURL(t *testing.T) {
	const want = "https://gravatar.com/avatar/973dfe463ec85785f5f95af5ba3906eedb2d931c24e69824a89ea65dba4e813b?d=404&s=256"

	tests := []struct {
		name  string
		email string
		want  string
	}{
		{"empty email", "", ""},
		{"whitespace only", "   ", ""},
		{"normal email", "test@example.com", want},
		{"case normalized", "Test@Example.COM", want},
		{"surrounding whitespace trimmed", "  test@example.com  ", want},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := URL(tt.email); got != tt.want {
				t.Errorf("URL(%q) = %q, want %q", tt.email, got, tt.want)
			}
		})
	}
}
