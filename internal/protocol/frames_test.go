package protocol

import (
	"testing"
	"time"
)

func TestFormatTimeNoPadding(t *testing.T) {
	// Single digit components must come out without zero padding.
	stamp := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)
	if got := FormatTime(stamp); got != "2024:3:1:9:5:7" {
		t.Fatalf("FormatTime = %q, want 2024:3:1:9:5:7", got)
	}
}

func TestFormatTimeConvertsToUTC(t *testing.T) {
	zone := time.FixedZone("east", 2*60*60)
	stamp := time.Date(2024, 3, 1, 14, 0, 0, 0, zone)
	if got := FormatTime(stamp); got != "2024:3:1:12:0:0" {
		t.Fatalf("FormatTime = %q, want 2024:3:1:12:0:0", got)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	stamp := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)
	parsed, err := ParseTime(FormatTime(stamp))
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(stamp) {
		t.Fatalf("round trip = %v, want %v", parsed, stamp)
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "1:2:3", "a:b:c:d:e:f", "2024:3:1:9:5:7:0"} {
		if _, err := ParseTime(input); err == nil {
			t.Errorf("ParseTime(%q) accepted garbage", input)
		}
	}
}

func TestSplitHeader(t *testing.T) {
	frames := [][]byte{[]byte("identity"), {}, []byte("1"), []byte("get")}
	header, rest, ok := SplitHeader(frames)
	if !ok {
		t.Fatal("SplitHeader did not find the delimiter")
	}
	if len(header) != 2 || len(header[1]) != 0 {
		t.Fatalf("header = %v, want identity plus empty frame", header)
	}
	if len(rest) != 2 || string(rest[0]) != "1" {
		t.Fatalf("rest = %v, want version and op", rest)
	}
}

func TestSplitHeaderMissingDelimiter(t *testing.T) {
	if _, _, ok := SplitHeader([][]byte{[]byte("a"), []byte("b")}); ok {
		t.Fatal("SplitHeader found a delimiter that is not there")
	}
}
