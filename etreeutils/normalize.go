package etreeutils

import "bytes"

var (
	commentStart = []byte("<!--")
	cdataStart   = []byte("<![CDATA[")
	piStart      = []byte("<?")
	declStart    = []byte("<!")
)

// NormalizeAttributeWhitespace replaces every literal tab, line feed and
// carriage return inside attribute values with a space, as an XML processor
// does for CDATA attributes before the value reaches the application. A
// CR LF pair becomes one space. Character references such as &#xA; are left
// untouched and keep their character once parsed. encoding/xml, and so
// etree, skips this step.
func NormalizeAttributeWhitespace(data []byte) []byte {
	if !bytes.ContainsAny(data, "\t\n\r") {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] != '<' {
			out = append(out, data[i])
			i++
			continue
		}

		rest := data[i:]
		var n int
		switch {
		case bytes.HasPrefix(rest, commentStart):
			n = skipPast(rest, "-->")
		case bytes.HasPrefix(rest, cdataStart):
			n = skipPast(rest, "]]>")
		case bytes.HasPrefix(rest, piStart):
			n = skipPast(rest, "?>")
		case bytes.HasPrefix(rest, declStart):
			n = declarationEnd(rest)
		default:
			out, n = appendTag(out, rest)
			i += n
			continue
		}
		out = append(out, rest[:n]...)
		i += n
	}
	return out
}

func skipPast(data []byte, marker string) int {
	if idx := bytes.Index(data, []byte(marker)); idx >= 0 {
		return idx + len(marker)
	}
	return len(data)
}

// declarationEnd finds the end of a <!DOCTYPE ...> declaration, skipping
// its internal subset.
func declarationEnd(data []byte) int {
	var (
		quote byte
		depth int
	)
	for i := 2; i < len(data); i++ {
		c := data[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == '>' && depth <= 0:
			return i + 1
		}
	}
	return len(data)
}

// appendTag copies the start or end tag at the head of data to out,
// normalizing whitespace in quoted attribute values. It returns the number
// of bytes consumed.
func appendTag(out, data []byte) ([]byte, int) {
	var quote byte
	for i := 0; i < len(data); i++ {
		c := data[i]
		if quote != 0 {
			switch c {
			case quote:
				quote = 0
			case '\r':
				if i+1 < len(data) && data[i+1] == '\n' {
					i++
				}
				c = ' '
			case '\n', '\t':
				c = ' '
			}
			out = append(out, c)
			continue
		}

		out = append(out, c)
		switch c {
		case '"', '\'':
			quote = c
		case '>':
			return out, i + 1
		}
	}
	return out, len(data)
}
