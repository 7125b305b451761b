package download

// Verifier is a pluggable predicate over a set of downloaded files. It
// either succeeds or returns a VerificationFailed/Misconfigured error from
// engineerrors.
//
// primaryFilename is the name of the file being authenticated; files is the
// complete set of files fetched by this Downloader invocation, keyed by
// filename, with their on-disk paths.
type Verifier interface {
	// RequiredFilenames lists the auxiliary files this verifier needs
	// fetched before it can run.
	RequiredFilenames() []string

	// Verify inspects the downloaded files and returns an error (tagged
	// with engineerrors.VerificationFailed or engineerrors.Misconfigured)
	// if verification fails. Verify must not modify the filesystem.
	Verify(primaryFilename string, files map[string]string) error
}
