package osexperimental

const (
	mooUTF8  = "🐄\n"
	mooASCII = "\n" +
		"                 (__)\n" +
		"                 (oo)\n" +
		"           /------\\/\n" +
		"          / |    ||\n" +
		"         *  /\\---/\\\n" +
		"            ~~   ~~\n"
)

// Moo is a diagnostic no-op. It always succeeds.
func (o *OSExperimental) Moo(isUTF8 bool) string {
	if isUTF8 {
		return mooUTF8
	}
	return mooASCII
}
