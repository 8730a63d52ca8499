package version

// ChainsyncSemVer is the semantic version of the module, set at build time
// with -ldflags "-X github.com/celestiaorg/chainsync/version.ChainsyncSemVer=...".
var ChainsyncSemVer = "0.1.0-dev"

// GitCommit is the current HEAD, set at build time.
var GitCommit = ""

// String returns the version with the commit appended when known.
func String() string {
	if GitCommit == "" {
		return ChainsyncSemVer
	}
	return ChainsyncSemVer + "-" + GitCommit
}
