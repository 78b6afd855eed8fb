package conversation

// MergeDeltas folds one streamed delta into the accumulated reply and returns
// it. Nested objects are merged key by key; string values are concatenated;
// any other value replaces the previous one. original is modified in place.
func MergeDeltas(original, delta map[string]any) map[string]any {
	if original == nil {
		original = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		switch dv := v.(type) {
		case map[string]any:
			if ov, ok := original[k].(map[string]any); ok {
				original[k] = MergeDeltas(ov, dv)
			} else {
				original[k] = MergeDeltas(nil, dv)
			}
		case string:
			if ov, ok := original[k].(string); ok {
				original[k] = ov + dv
			} else {
				original[k] = dv
			}
		default:
			original[k] = v
		}
	}
	return original
}
