//go:build !gosseract

package recognize

// NewGosseract reports unavailability in binaries built without the
// gosseract tag.
func NewGosseract(string, string) Recognizer {
	return Unavailable{Reason: "binary built without gosseract support"}
}
