package source

import (
	"fmt"
	"strings"
)

// Kind tags which variant a Descriptor holds.
type Kind string

const (
	KindDrive       Kind = "drive"
	KindSpreadsheet Kind = "spreadsheet"
	KindUpload      Kind = "upload"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDrive, KindSpreadsheet, KindUpload:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Descriptor identifies where the raw CSV bytes come from.
// Ref is a Drive file id, a spreadsheet id or a local path depending on Kind.
type Descriptor struct {
	Kind Kind
	Ref  string
}

func Drive(fileID string) Descriptor       { return Descriptor{Kind: KindDrive, Ref: fileID} }
func Spreadsheet(sheetID string) Descriptor { return Descriptor{Kind: KindSpreadsheet, Ref: sheetID} }
func Upload(path string) Descriptor         { return Descriptor{Kind: KindUpload, Ref: path} }

func (d Descriptor) String() string {
	return string(d.Kind) + ":" + d.Ref
}

func (d Descriptor) Validate() error {
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(d.Ref) == "" {
		return fmt.Errorf("source %s: empty reference", d.Kind)
	}
	return nil
}
