package tokenizer

var punctuationTable [256]bool

func init() {
	// ASCII punctuation plus whitespace (\t \n \v \f \r and space).
	for i := 0; i < 256; i++ {
		if (i >= 33 && i <= 47) || (i >= 58 && i <= 64) || (i >= 91 && i <= 96) || (i >= 123 && i <= 126) {
			punctuationTable[i] = true
		}
		if i == 32 || (i >= 9 && i <= 13) {
			punctuationTable[i] = true
		}
	}
}

// FindPunctuation returns the index of the first ASCII punctuation or
// whitespace byte in text, or -1.
func FindPunctuation(text []byte) int {
	for i, b := range text {
		if punctuationTable[b] {
			return i
		}
	}
	return -1
}
