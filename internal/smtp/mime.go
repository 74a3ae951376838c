package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
)

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	MessageID   string
	Subject     string
	From        string
	To          string
	Text        string
	HTML        string
	Headers     domain.HeaderMap
	Attachments domain.AttachmentList
}

// ParseEmail 解析邮件，提取文本、HTML、邮件头和附件元数据。
//
// 附件只保留元数据（文件名、类型、大小），内容本体不入库。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		MessageID:   strings.Trim(msg.Header.Get("Message-Id"), "<>"),
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		From:        msg.Header.Get("From"),
		To:          msg.Header.Get("To"),
		Headers:     make(domain.HeaderMap, len(msg.Header)),
		Attachments: make(domain.AttachmentList, 0),
	}
	for key, values := range msg.Header {
		if len(values) > 0 {
			parsed.Headers[key] = values[0]
		}
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(msg.Body, boundary)
		if err := parseMultipart(mr, parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
	} else {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/html") {
			parsed.HTML = body
		} else {
			parsed.Text = body
		}
	}

	return parsed, nil
}

// parseMultipart 递归解析多部分邮件。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
		}

		disposition := part.Header.Get("Content-Disposition")
		if disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || dispType == "inline" {
				filename := dispParams["filename"]
				if filename == "" {
					filename = params["name"]
				}
				if filename == "" {
					filename = "unnamed"
				}
				filename = decodeHeader(filename)

				content, err := io.ReadAll(part)
				if err != nil {
					continue
				}
				if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
					if decoded, err := base64.StdEncoding.DecodeString(string(content)); err == nil {
						content = decoded
					}
				}

				parsed.Attachments = append(parsed.Attachments, domain.Attachment{
					Filename:    filename,
					ContentType: mediaType,
					Size:        int64(len(content)),
				})
				continue
			}
		}

		// 嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			boundary := params["boundary"]
			if boundary != "" {
				nested := multipart.NewReader(part, boundary)
				if err := parseMultipart(nested, parsed); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}
		if strings.HasPrefix(mediaType, "text/html") {
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		} else if strings.HasPrefix(mediaType, "text/plain") {
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}

	return nil
}

// decodeBody 根据编码方式解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		// 7bit/8bit/binary 或未知编码，直接读取
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := getCharsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
