package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image-gateway/models"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrForbiddenAddress 附件地址解析到了内网/本机地址
var ErrForbiddenAddress = errors.New("destination address is not allowed")

// carrier-grade NAT (100.64.0.0/10) 不在 netip 的 IsPrivate 范围内
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// NewHTTPClient 创建共享的 HTTP Client，用于调用上游
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   0, // 禁用全局超时，由 Request Context 控制
		Transport: newTransport(http.ProxyFromEnvironment, nil),
	}
}

// NewAttachmentHTTPClient 下载用户提供的 URL 附件
// 拨号时检查最终 IP，重定向同样经过检查；不走环境代理，否则检查的是代理地址
func NewAttachmentHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   0,
		Transport: newTransport(nil, publicAddressOnly),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return nil
		},
	}
}

func newTransport(proxy func(*http.Request) (*url.URL, error), control func(network, address string, c syscall.RawConn) error) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
			Control:   control,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// publicAddressOnly net.Dialer.Control 钩子，address 是 DNS 解析后的 ip:port
func publicAddressOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !isPublicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, ip)
	}
	return nil
}

func isPublicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	case ip.Is4() && sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

// AttachmentDecoder 把请求中的附件解码为二进制
// 支持 base64、data URL 和 http(s) URL
type AttachmentDecoder struct {
	client   *http.Client
	maxBytes int64
}

func NewAttachmentDecoder(client *http.Client, maxBytes int64) *AttachmentDecoder {
	if client == nil {
		client = NewAttachmentHTTPClient()
	}
	return &AttachmentDecoder{client: client, maxBytes: maxBytes}
}

// Decode 解码单个附件，失败时返回 ValidationError
func (d *AttachmentDecoder) Decode(ctx context.Context, a models.Attachment) (models.Blob, error) {
	switch {
	case strings.TrimSpace(a.Data) != "":
		data, mime, err := decodeBase64MaybeDataURL(a.Data)
		if err != nil {
			return models.Blob{}, NewValidationError("bad image data: " + err.Error())
		}
		if len(data) == 0 {
			return models.Blob{}, NewValidationError("image data is empty")
		}
		if d.maxBytes > 0 && int64(len(data)) > d.maxBytes {
			return models.Blob{}, NewValidationError(fmt.Sprintf("image exceeds %d bytes", d.maxBytes))
		}
		return models.Blob{MimeType: pickMIME(a.MimeType, mime, data), Data: data}, nil

	case strings.TrimSpace(a.URL) != "":
		return d.fetch(ctx, a)

	default:
		return models.Blob{}, NewValidationError("image must carry data or url")
	}
}

func (d *AttachmentDecoder) fetch(ctx context.Context, a models.Attachment) (models.Blob, error) {
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.Blob{}, NewValidationError("image url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Blob{}, NewValidationError("bad image url: " + err.Error())
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return models.Blob{}, &GatewayError{Kind: KindValidation, Message: "failed to download image: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Blob{}, NewValidationError(fmt.Sprintf("failed to download image: status %d", resp.StatusCode))
	}

	reader := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return models.Blob{}, NewValidationError("failed to read image: " + err.Error())
	}
	if d.maxBytes > 0 && int64(len(data)) > d.maxBytes {
		return models.Blob{}, NewValidationError(fmt.Sprintf("image exceeds %d bytes", d.maxBytes))
	}
	if len(data) == 0 {
		return models.Blob{}, NewValidationError("downloaded image is empty")
	}

	headerMIME := resp.Header.Get("Content-Type")
	if i := strings.Index(headerMIME, ";"); i >= 0 {
		headerMIME = headerMIME[:i]
	}
	return models.Blob{MimeType: pickMIME(a.MimeType, strings.TrimSpace(headerMIME), data), Data: data}, nil
}

// decodeBase64MaybeDataURL 支持 "data:image/png;base64,xxxx" 和裸 base64
func decodeBase64MaybeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	mime := ""
	if strings.HasPrefix(strings.ToLower(s), "data:") {
		comma := strings.Index(s, ",")
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data url")
		}
		meta := s[len("data:"):comma]
		if semi := strings.Index(meta, ";"); semi >= 0 {
			mime = meta[:semi]
		} else {
			mime = meta
		}
		s = s[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// 兼容无 padding 的 base64
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, "", err
		}
	}
	return data, mime, nil
}

// pickMIME 显式声明 > 来源声明 > 内容嗅探
func pickMIME(explicit, declared string, data []byte) string {
	if m := strings.TrimSpace(explicit); m != "" {
		return m
	}
	if m := strings.TrimSpace(declared); m != "" && m != "application/octet-stream" {
		return m
	}
	return http.DetectContentType(data)
}
