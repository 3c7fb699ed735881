package bytestream

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gurre/remexec/errs"
)

// ResourceInfo is the parsed view of a bytestream resource name:
//
//	{instance}/blobs/{hash}/{size}[/trailing]
//	{instance}/uploads/{uuid}/blobs/{hash}/{size}[/trailing]
type ResourceInfo struct {
	InstanceName string
	// UUID is set only for upload resource names.
	UUID         string
	Hash         string
	ExpectedSize int64
}

const resourceNamePattern = "'{instance_name}/uploads/{uuid}/blobs/{hash}/{size}' or '{instance_name}/blobs/{hash}/{size}'"

// ParseResourceName splits and validates a resource name.
func ParseResourceName(resourceName string) (ResourceInfo, error) {
	var info ResourceInfo
	parts := strings.SplitN(resourceName, "/", 6)
	if len(parts) < 4 {
		return info, errs.New(errs.InvalidArgument,
			"expected resource_name to be of pattern %s, got %q", resourceNamePattern, resourceName)
	}
	info.InstanceName = parts[0]
	rest := parts[1:]
	if rest[0] == "uploads" {
		if len(rest) < 5 {
			return info, errs.New(errs.InvalidArgument,
				"expected resource_name to be of pattern %s, got %q", resourceNamePattern, resourceName)
		}
		if _, err := uuid.Parse(rest[1]); err != nil {
			return info, errs.New(errs.InvalidArgument, "upload uuid %q is not a valid uuid", rest[1])
		}
		info.UUID = rest[1]
		rest = rest[2:]
	}
	if rest[0] != "blobs" {
		return info, errs.New(errs.InvalidArgument,
			"element 2 or 4 of resource_name should have been 'blobs', got %q", rest[0])
	}
	if len(rest) < 3 {
		return info, errs.New(errs.InvalidArgument,
			"expected resource_name to be of pattern %s, got %q", resourceNamePattern, resourceName)
	}
	info.Hash = rest[1]
	// A trailing segment may be glued onto the size when the name has more
	// than six slashes worth of content; only the size segment matters.
	sizeSegment := rest[2]
	if idx := strings.IndexByte(sizeSegment, '/'); idx >= 0 {
		sizeSegment = sizeSegment[:idx]
	}
	size, err := strconv.ParseUint(sizeSegment, 10, 63)
	if err != nil {
		return info, errs.New(errs.InvalidArgument,
			"digest size_bytes was not convertible to a non-negative integer, got %q", sizeSegment)
	}
	info.ExpectedSize = int64(size)
	return info, nil
}
