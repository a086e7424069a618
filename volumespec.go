package voltree

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SupportedPageSizes enumerates the legal volume page sizes: powers of
// two from 1024 to 16384.
var SupportedPageSizes = []int{1024, 2048, 4096, 8192, 16384}

func isSupportedPageSize(n int) bool {
	for _, s := range SupportedPageSizes {
		if s == n {
			return true
		}
	}
	return false
}

// VolumeSpec is the result of parsing a volume specification string of
// the form "path,option:value,option:value,...".
type VolumeSpec struct {
	Path string
	Name string

	PageSize       int
	InitialPages   int64
	MaximumPages   int64
	ExtensionPages int64

	Create     bool
	CreateOnly bool
	ReadOnly   bool
	Temporary  bool
}

var versionSuffixRE = regexp.MustCompile(`\.v\d+$`)

func defaultNameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return versionSuffixRE.ReplaceAllString(base, "")
}

// ParseVolumeSpec parses a "path,option:value,..." specification string.
// A malformed specification fails with ErrInvalidVolumeSpec.
func ParseVolumeSpec(spec string, pageSize int) (*VolumeSpec, error) {
	if spec == "" {
		return nil, errorf(KindInvalidVolumeSpec, "empty volume specification")
	}
	parts := strings.Split(spec, ",")
	vs := &VolumeSpec{Path: parts[0], PageSize: pageSize}
	if vs.Path == "" {
		return nil, errorf(KindInvalidVolumeSpec, "volume specification %q has no path", spec)
	}
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		key := kv[0]
		var val string
		if len(kv) == 2 {
			val = kv[1]
		}
		switch key {
		case "name":
			if val == "" {
				return nil, errorf(KindInvalidVolumeSpec, "volume specification %q: name requires a value", spec)
			}
			vs.Name = val
		case "pageSize":
			n, err := strconv.Atoi(val)
			if err != nil || !isSupportedPageSize(n) {
				return nil, errorf(KindInvalidVolumeSpec, "volume specification %q: invalid pageSize %q", spec, val)
			}
			vs.PageSize = n
		case "initialSize":
			n, err := parseByteSize(val)
			if err != nil {
				return nil, errorf(KindInvalidVolumeSpec, "volume specification %q: invalid initialSize %q", spec, val)
			}
			vs.InitialPages = n
		case "maximumSize":
			n, err := parseByteSize(val)
			if err != nil {
				return nil, errorf(KindInvalidVolumeSpec, "volume specification %q: invalid maximumSize %q", spec, val)
			}
			vs.MaximumPages = n
		case "extensionSize":
			n, err := parseByteSize(val)
			if err != nil {
				return nil, errorf(KindInvalidVolumeSpec, "volume specification %q: invalid extensionSize %q", spec, val)
			}
			vs.ExtensionPages = n
		case "create":
			vs.Create = val == "" || val == "true"
		case "createOnly":
			vs.CreateOnly = val == "" || val == "true"
		case "readOnly":
			vs.ReadOnly = val == "" || val == "true"
		case "temporary":
			vs.Temporary = val == "" || val == "true"
		default:
			return nil, errorf(KindInvalidVolumeSpec, "volume specification %q: unrecognized option %q", spec, key)
		}
	}
	if vs.PageSize == 0 {
		vs.PageSize = 16384
	}
	if !isSupportedPageSize(vs.PageSize) {
		return nil, errorf(KindInvalidVolumeSpec, "volume specification %q: unsupported pageSize %d", spec, vs.PageSize)
	}
	if vs.Name == "" {
		vs.Name = defaultNameFromPath(vs.Path)
	}
	if vs.CreateOnly {
		vs.Create = true
	}
	if vs.InitialPages > 0 {
		vs.InitialPages = (vs.InitialPages + int64(vs.PageSize) - 1) / int64(vs.PageSize)
	}
	if vs.MaximumPages > 0 {
		vs.MaximumPages = (vs.MaximumPages + int64(vs.PageSize) - 1) / int64(vs.PageSize)
	}
	if vs.ExtensionPages > 0 {
		vs.ExtensionPages = (vs.ExtensionPages + int64(vs.PageSize) - 1) / int64(vs.PageSize)
	}
	if vs.InitialPages <= 0 {
		vs.InitialPages = 2
	}
	if vs.MaximumPages <= 0 {
		vs.MaximumPages = vs.InitialPages * 1024
	}
	if vs.ExtensionPages <= 0 {
		vs.ExtensionPages = vs.InitialPages
	}
	return vs, nil
}

// String renders vs back into the "path,option:value,..." form
// ParseVolumeSpec accepts, for Backup's manifest and for any tool that
// needs to hand a spec to another process. Create/CreateOnly are
// deliberately omitted -- a manifest entry describes an existing volume
// a restore will recreate explicitly, not one to be auto-created.
func (vs *VolumeSpec) String() string {
	s := vs.Path
	s += fmt.Sprintf(",name:%s,pageSize:%d,initialSize:%d,maximumSize:%d,extensionSize:%d",
		vs.Name, vs.PageSize,
		vs.InitialPages*int64(vs.PageSize),
		vs.MaximumPages*int64(vs.PageSize),
		vs.ExtensionPages*int64(vs.PageSize))
	if vs.ReadOnly {
		s += ",readOnly:true"
	}
	if vs.Temporary {
		s += ",temporary:true"
	}
	return s
}

// parseByteSize parses sizes like "1m", "512k", "16384" into a plain byte
// count, returned in pages' worth of bytes (the caller divides by page
// size); "k"/"m"/"g" suffixes are binary (1024-based).
func parseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, errorf(KindInvalidVolumeSpec, "empty size")
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
