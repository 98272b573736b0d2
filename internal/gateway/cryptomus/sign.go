package cryptomus

import (
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrSignatureMissing = errors.New("webhook 缺少签名")
	ErrSignatureInvalid = errors.New("webhook 签名校验失败")
	ErrMalformedPayload = errors.New("webhook 报文格式错误")
)

// Sign md5(base64(body) + apiKey) 的十六进制
func Sign(body []byte, apiKey string) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + apiKey))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhook 校验签名后再解析报文，任何异常都按校验失败处理
func VerifyWebhook(raw []byte, apiKey string) (*WebhookPayload, error) {
	if apiKey == "" {
		return nil, ErrUnconfigured
	}

	var probe struct {
		Sign string `json:"sign"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if probe.Sign == "" {
		return nil, ErrSignatureMissing
	}

	body, err := canonicalWebhookBody(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	expected := Sign(body, apiKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(probe.Sign)) != 1 {
		return nil, ErrSignatureInvalid
	}

	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &payload, nil
}

// canonicalWebhookBody 重建上游签名时使用的 JSON：
// 去掉顶层 sign，保持字段顺序，紧凑输出，非 ASCII 字符不转义，最后把 / 替换为 \/
func canonicalWebhookBody(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("报文顶层必须是对象")
	}

	var buf bytes.Buffer
	if err := writeObject(dec, &buf, true); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("报文末尾存在多余内容")
	}

	return bytes.ReplaceAll(buf.Bytes(), []byte("/"), []byte(`\/`)), nil
}

// writeObject 调用前已读取 '{'
func writeObject(dec *json.Decoder, buf *bytes.Buffer, topLevel bool) error {
	buf.WriteByte('{')
	first := true
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return errors.New("对象的键必须是字符串")
		}

		if topLevel && key == "sign" {
			if err := writeValue(dec, &bytes.Buffer{}); err != nil {
				return err
			}
			continue
		}

		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(buf, key)
		buf.WriteByte(':')
		if err := writeValue(dec, buf); err != nil {
			return err
		}
	}
	_, err := dec.Token() // '}'
	buf.WriteByte('}')
	return err
}

func writeArray(dec *json.Decoder, buf *bytes.Buffer) error {
	buf.WriteByte('[')
	first := true
	for dec.More() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writeValue(dec, buf); err != nil {
			return err
		}
	}
	_, err := dec.Token() // ']'
	buf.WriteByte(']')
	return err
}

func writeValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return writeObject(dec, buf, false)
		case '[':
			return writeArray(dec, buf)
		}
		return fmt.Errorf("意外的分隔符 %q", v)
	case string:
		writeString(buf, v)
	case json.Number:
		buf.WriteString(v.String())
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString 与上游一致的字符串转义：控制字符转义，其余字符原样输出
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
