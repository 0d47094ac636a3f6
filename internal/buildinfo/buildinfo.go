package buildinfo

// These variables are set via -ldflags at build time.
// Defaults are suitable for local/dev builds.

var (
	Version = "dev"
	Channel = "dev" // dev|stable
	Commit  = ""
	BuiltAt = ""
	Repo    = "MrTeeett/portdeck"
)

// String is the one-line form printed by `portdeck version`.
func String() string {
	s := "portdeck " + Version + " (" + Channel + ")"
	if Commit != "" {
		s += " commit " + Commit
	}
	if BuiltAt != "" {
		s += " built " + BuiltAt
	}
	return s + " https://github.com/" + Repo
}
