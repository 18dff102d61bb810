package speech

import "math/rand"

// Voice ids the speech model accepts, split by register so a persona can
// pick a plausible voice when none is requested.
var (
	FeminineVoices  = []string{"amy", "tiffany", "lupe"}
	MasculineVoices = []string{"matthew", "carlos"}
)

// Voices returns every supported voice id, feminine first.
func Voices() []string {
	out := make([]string, 0, len(FeminineVoices)+len(MasculineVoices))
	out = append(out, FeminineVoices...)
	return append(out, MasculineVoices...)
}

func IsSupportedVoice(id string) bool {
	for _, v := range Voices() {
		if v == id {
			return true
		}
	}
	return false
}

// DefaultVoice returns a random feminine voice, matching the historical
// default of the simulator.
func DefaultVoice() string {
	return FeminineVoices[rand.Intn(len(FeminineVoices))]
}
