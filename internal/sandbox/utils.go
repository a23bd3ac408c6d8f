package sandbox

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// maxDecompressedSize caps what a script can inflate through the utils
// decompressors, keeping a tiny compressed payload from ballooning past
// the VM memory ceiling inside a single Go call.
const maxDecompressedSize = 16 * 1024 * 1024

// installUtils registers the Go-backed helpers and evaluates the utils
// table. The table captures the helper functions by value and drops their
// global names, so after hardening the only way to reach them is through
// the frozen utils object.
func (v *VM) installUtils() error {
	helpers := []struct {
		name string
		fn   any
	}{
		{"__sb_b64enc", func(s string) (string, error) {
			return base64.StdEncoding.EncodeToString([]byte(s)), nil
		}},
		{"__sb_b64dec", func(s string) (string, error) {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return "", fmt.Errorf("invalid base64")
			}
			return string(b), nil
		}},
		{"__sb_hexenc", func(s string) (string, error) {
			return hex.EncodeToString([]byte(s)), nil
		}},
		{"__sb_hexdec", func(s string) (string, error) {
			b, err := hex.DecodeString(s)
			if err != nil {
				return "", fmt.Errorf("invalid hex")
			}
			return string(b), nil
		}},
		{"__sb_gzip", gzipPack},
		{"__sb_gunzip", gzipUnpack},
		{"__sb_br", brotliPack},
		{"__sb_unbr", brotliUnpack},
	}
	for _, h := range helpers {
		if err := v.registerFunc(h.name, h.fn); err != nil {
			return fmt.Errorf("registering %s: %w", h.name, err)
		}
	}
	return v.eval(utilsJS)
}

// gzipPack compresses a string and returns it base64-armored.
func gzipPack(s string) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// gzipUnpack reverses gzipPack.
func gzipUnpack(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64")
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(maxDecompressedSize)+1))
	if err != nil {
		return "", err
	}
	_ = r.Close()
	if len(out) > maxDecompressedSize {
		return "", fmt.Errorf("decompressed output exceeds %d bytes", maxDecompressedSize)
	}
	return string(out), nil
}

// brotliPack compresses a string and returns it base64-armored.
func brotliPack(s string) (string, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// brotliUnpack reverses brotliPack.
func brotliUnpack(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64")
	}
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(r, int64(maxDecompressedSize)+1))
	if err != nil {
		return "", err
	}
	if len(out) > maxDecompressedSize {
		return "", fmt.Errorf("decompressed output exceeds %d bytes", maxDecompressedSize)
	}
	return string(out), nil
}

// utilsJS assembles the frozen utils table. Go-backed members are captured
// from their registration globals, which are deleted immediately after;
// the rest are plain JavaScript. btoa and atob keep the usual latin1
// semantics, while base64Encode and base64Decode go through Go and treat
// the string as UTF-8. parseInt, parseFloat and toFixed are forgiving
// conversion helpers: bad input yields null rather than NaN or a throw.
const utilsJS = `
(function() {
	var u = {};

	u.base64Encode = globalThis.__sb_b64enc;
	u.base64Decode = globalThis.__sb_b64dec;
	u.hexEncode = globalThis.__sb_hexenc;
	u.hexDecode = globalThis.__sb_hexdec;
	u.gzipCompress = globalThis.__sb_gzip;
	u.gzipDecompress = globalThis.__sb_gunzip;
	u.brotliCompress = globalThis.__sb_br;
	u.brotliDecompress = globalThis.__sb_unbr;
	delete globalThis.__sb_b64enc;
	delete globalThis.__sb_b64dec;
	delete globalThis.__sb_hexenc;
	delete globalThis.__sb_hexdec;
	delete globalThis.__sb_gzip;
	delete globalThis.__sb_gunzip;
	delete globalThis.__sb_br;
	delete globalThis.__sb_unbr;

	var B64 = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';

	u.btoa = function(input) {
		var s = String(input);
		var out = '';
		for (var i = 0; i < s.length; i += 3) {
			var a = s.charCodeAt(i);
			var b = i + 1 < s.length ? s.charCodeAt(i + 1) : NaN;
			var c = i + 2 < s.length ? s.charCodeAt(i + 2) : NaN;
			if (a > 255 || b > 255 || c > 255) {
				throw new TypeError('btoa: character out of latin1 range');
			}
			var n = (a << 16) | ((b || 0) << 8) | (c || 0);
			out += B64[(n >> 18) & 63];
			out += B64[(n >> 12) & 63];
			out += isNaN(b) ? '=' : B64[(n >> 6) & 63];
			out += isNaN(c) ? '=' : B64[n & 63];
		}
		return out;
	};

	u.atob = function(input) {
		var s = String(input).replace(/[\t\n\f\r ]+/g, '');
		if (s.length % 4 === 1) {
			throw new TypeError('atob: invalid base64 length');
		}
		s = s.replace(/=+$/, '');
		var out = '';
		var buffer = 0;
		var bits = 0;
		for (var i = 0; i < s.length; i++) {
			var val = B64.indexOf(s[i]);
			if (val < 0) {
				throw new TypeError('atob: invalid character');
			}
			buffer = (buffer << 6) | val;
			bits += 6;
			if (bits >= 8) {
				bits -= 8;
				out += String.fromCharCode((buffer >> bits) & 255);
			}
		}
		return out;
	};

	u.parseInt = function(value) {
		if (value === null || value === undefined) { return null; }
		if (typeof value === 'number') {
			return isFinite(value) && Math.floor(value) === value ? value : null;
		}
		var s = String(value).trim();
		if (s === '') { return null; }
		var n;
		if (/^[+-]?0[xX][0-9a-fA-F]+$/.test(s)) {
			n = parseInt(s, 16);
		} else {
			n = Number(s);
		}
		return isFinite(n) && Math.floor(n) === n ? n : null;
	};

	u.parseFloat = function(value) {
		if (value === null || value === undefined) { return null; }
		if (typeof value === 'number') { return isFinite(value) ? value : null; }
		var s = String(value).trim();
		if (s === '') { return null; }
		var n = Number(s);
		return isFinite(n) ? n : null;
	};

	u.toFixed = function(value, precision) {
		var p = Math.pow(10, precision | 0);
		return Math.round(value * p) / p;
	};

	Object.freeze(u);
	Object.defineProperty(globalThis, 'utils', { value: u, writable: false, enumerable: false, configurable: false });
})();
`
