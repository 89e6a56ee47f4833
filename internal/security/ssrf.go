// Package security 提供 URL 校验与反向代理头处理：base_url 配置校验、产物下载地址的内网拦截、可信代理下的客户端地址推断。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

func ValidateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("解析 base_url 失败: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("base_url 仅支持 http/https")
	}
	if u.Host == "" {
		return nil, errors.New("base_url host 不能为空")
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("base_url host 不能为空")
	}
	if ip := net.ParseIP(host); ip != nil {
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("解析 base_url DNS 失败: %w", err)
	}
	if len(ips) == 0 {
		return nil, errors.New("base_url 无可用 DNS 解析结果")
	}
	return u, nil
}

// ValidateFetchURL 校验服务商返回的产物地址。allowPrivate=false 时拒绝回环、内网与链路本地地址。
func ValidateFetchURL(raw string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("解析产物地址失败: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("产物地址仅支持 http/https")
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("产物地址 host 不能为空")
	}
	if u.User != nil {
		return nil, errors.New("产物地址不允许携带认证信息")
	}
	if allowPrivate {
		return u, nil
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		if strings.EqualFold(host, "localhost") {
			return nil, errors.New("产物地址指向本机")
		}
		ips, err = net.LookupIP(host)
		if err != nil {
			return nil, fmt.Errorf("解析产物地址 DNS 失败: %w", err)
		}
		if len(ips) == 0 {
			return nil, errors.New("产物地址无可用 DNS 解析结果")
		}
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return nil, fmt.Errorf("产物地址指向内网地址 %s", ip)
		}
	}
	return u, nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast()
}
