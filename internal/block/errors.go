package block

import "errors"

// ErrTruncated is returned by Decode when frame is too short to contain
// even an empty plaintext block's nonce and tag.
var ErrTruncated = errors.New("block: truncated frame")
