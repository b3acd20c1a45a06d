package gps

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// Decode errors. ErrNoFix means the receiver reported a void fix, which is
// distinct from a sentence with a required field missing.
var (
	ErrNoFix               = errors.New("gps: receiver reports no fix")
	ErrMissingField        = errors.New("gps: required field missing")
	ErrMalformedField      = errors.New("gps: malformed field")
	ErrUnsupportedSentence = errors.New("gps: unsupported sentence type")
	ErrChecksumInvalid     = errors.New("gps: checksum invalid")
)

// MissingFieldError names the required RMC field that was empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("gps: required field %q missing", e.Field)
}

func (e *MissingFieldError) Is(target error) bool { return target == ErrMissingField }

// MalformedFieldError reports a field that was present but unparsable.
type MalformedFieldError struct {
	Field string
	Value string
	Err   error
}

func (e *MalformedFieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gps: malformed %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("gps: malformed %s %q", e.Field, e.Value)
}

func (e *MalformedFieldError) Is(target error) bool { return target == ErrMalformedField }

func (e *MalformedFieldError) Unwrap() error { return e.Err }

// RMC field positions, counted after the address field.
const (
	rmcTime = iota
	rmcStatus
	rmcLat
	rmcLatHemi
	rmcLon
	rmcLonHemi
	rmcSpeed
	rmcCourse
	rmcDate
	rmcMinFields
)

// Decode validates an NMEA sentence and extracts a position fix from it.
// Only RMC sentences (any talker) are interpreted.
func Decode(sentence string) (Fix, error) {
	body, err := verifyChecksum(strings.TrimRight(sentence, "\r\n"))
	if err != nil {
		return Fix{}, err
	}

	fields := strings.Split(body, ",")
	address := fields[0]
	if len(address) < 3 {
		return Fix{}, &MalformedFieldError{Field: "address", Value: address}
	}
	if address[0] == 'P' || address[len(address)-3:] != nmea.TypeRMC {
		return Fix{}, fmt.Errorf("%w: %s", ErrUnsupportedSentence, address)
	}

	data := fields[1:]
	field := func(i int) string {
		if i < len(data) {
			return strings.TrimSpace(data[i])
		}
		return ""
	}

	// Status first: a void fix routinely has every other field empty.
	switch status := field(rmcStatus); status {
	case nmea.ValidRMC:
	case nmea.InvalidRMC:
		return Fix{}, ErrNoFix
	case "":
		return Fix{}, &MissingFieldError{Field: "status"}
	default:
		return Fix{}, &MalformedFieldError{Field: "status", Value: status}
	}

	if field(rmcTime) == "" {
		return Fix{}, &MissingFieldError{Field: "time"}
	}
	tod, err := nmea.ParseTime(field(rmcTime))
	if err != nil {
		return Fix{}, &MalformedFieldError{Field: "time", Value: field(rmcTime), Err: err}
	}

	lat, err := parseCoordinate("latitude", field(rmcLat), field(rmcLatHemi), nmea.North, nmea.South)
	if err != nil {
		return Fix{}, err
	}
	lon, err := parseCoordinate("longitude", field(rmcLon), field(rmcLonHemi), nmea.East, nmea.West)
	if err != nil {
		return Fix{}, err
	}

	speed, err := parseOptional("speed", field(rmcSpeed))
	if err != nil {
		return Fix{}, err
	}
	heading, err := parseOptional("course", field(rmcCourse))
	if err != nil {
		return Fix{}, err
	}

	if field(rmcDate) == "" {
		return Fix{}, &MissingFieldError{Field: "date"}
	}
	date, err := nmea.ParseDate(field(rmcDate))
	if err != nil {
		return Fix{}, &MalformedFieldError{Field: "date", Value: field(rmcDate), Err: err}
	}

	return Fix{
		Time:      fixTime(date, tod),
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Heading:   heading,
	}, nil
}

// verifyChecksum checks "$<body>*HH" and returns body.
func verifyChecksum(s string) (string, error) {
	if !strings.HasPrefix(s, "$") {
		return "", fmt.Errorf("%w: missing start marker", ErrChecksumInvalid)
	}
	star := strings.LastIndexByte(s, '*')
	if star < 0 {
		return "", fmt.Errorf("%w: missing checksum", ErrChecksumInvalid)
	}
	body, digits := s[1:star], s[star+1:]
	if len(digits) != 2 {
		return "", fmt.Errorf("%w: checksum must be two hex digits, got %q", ErrChecksumInvalid, digits)
	}
	if want := nmea.Checksum(body); !strings.EqualFold(want, digits) {
		return "", fmt.Errorf("%w: got %s, computed %s", ErrChecksumInvalid, strings.ToUpper(digits), want)
	}
	return body, nil
}

// parseCoordinate converts an NMEA ddmm.mmmm value plus hemisphere letter
// into signed decimal degrees.
func parseCoordinate(name, value, hemi, pos, neg string) (float64, error) {
	if value == "" || hemi == "" {
		return 0, &MissingFieldError{Field: name}
	}
	if hemi != pos && hemi != neg {
		return 0, &MalformedFieldError{Field: name, Value: value + " " + hemi}
	}
	deg, err := nmea.ParseGPS(value + " " + hemi)
	if err != nil {
		return 0, &MalformedFieldError{Field: name, Value: value + " " + hemi, Err: err}
	}
	return deg, nil
}

func parseOptional(name, value string) (*float64, error) {
	if value == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, &MalformedFieldError{Field: name, Value: value, Err: err}
	}
	return &v, nil
}

// fixTime combines RMC date and time of day into a UTC timestamp. Two-digit
// years below 80 are taken to be in the 2000s.
func fixTime(d nmea.Date, t nmea.Time) time.Time {
	year := 1900 + d.YY
	if d.YY < 80 {
		year = 2000 + d.YY
	}
	return time.Date(year, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
