package experiment

// HashVersion names the bucketing hash. Changing the algorithm requires a new
// version because every existing subject would move to a different variant.
const HashVersion = "fnv1a64-fmix/v1"

const (
	fnvOffset64 uint64 = 14695981039346656037
	fnvPrime64  uint64 = 1099511628211
)

// Hash computes the bucketing hash of subjectID + experimentKey.
//
// Algorithm (fnv1a64-fmix/v1): 64-bit FNV-1a over the UTF-8 bytes of the
// concatenation, then the MurmurHash3 fmix64 finalizer. All arithmetic is
// unsigned 64-bit with wraparound, so the result does not depend on the
// host integer width.
func Hash(subjectID, experimentKey string) uint64 {
	h := fnvOffset64
	for i := 0; i < len(subjectID); i++ {
		h ^= uint64(subjectID[i])
		h *= fnvPrime64
	}
	for i := 0; i < len(experimentKey); i++ {
		h ^= uint64(experimentKey[i])
		h *= fnvPrime64
	}
	return fmix64(h)
}

// fmix64 is the finalization mix of MurmurHash3 x64.
func fmix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

// Bucket maps the hash onto [0, n).
func Bucket(subjectID, experimentKey string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(Hash(subjectID, experimentKey) % uint64(n))
}
