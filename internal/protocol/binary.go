package protocol

// placeholderKey marks an object standing in for a binary attachment.
const placeholderKey = "_placeholder"

// deconstruct replaces []byte values with {"_placeholder":true,"num":n}
// objects, appending the bytes to buffers. Only generic containers are
// walked; typed structs are serialized as-is.
func deconstruct(v interface{}, buffers *[][]byte) interface{} {
	switch t := v.(type) {
	case []byte:
		ph := map[string]interface{}{placeholderKey: true, "num": len(*buffers)}
		*buffers = append(*buffers, t)
		return ph
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deconstruct(e, buffers)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = deconstruct(e, buffers)
		}
		return out
	default:
		return v
	}
}

// reconstruct swaps placeholders back for their attachments. A placeholder
// whose index is out of range is left untouched and reported via ok=false.
func reconstruct(v interface{}, buffers [][]byte) (interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		ok := true
		for i, e := range t {
			var eok bool
			t[i], eok = reconstruct(e, buffers)
			ok = ok && eok
		}
		return t, ok
	case map[string]interface{}:
		if isPlaceholder(t) {
			n, isNum := t["num"].(float64)
			idx := int(n)
			if !isNum || float64(idx) != n || idx < 0 || idx >= len(buffers) {
				return t, false
			}
			return buffers[idx], true
		}
		ok := true
		for k, e := range t {
			var eok bool
			t[k], eok = reconstruct(e, buffers)
			ok = ok && eok
		}
		return t, ok
	default:
		return v, true
	}
}

func isPlaceholder(m map[string]interface{}) bool {
	b, _ := m[placeholderKey].(bool)
	return b
}
