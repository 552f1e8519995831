package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RefreshTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RefreshTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if err := validateSegment(site.Name); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Name"), err)
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if _, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与其它站点重复")
		}
		seenDomains[site.Domain] = struct{}{}

		if site.Upstream != "" {
			if err := validateUpstream(site.Upstream); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
			}
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}

		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if err := validateSegment(site.Version); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Version"), err)
		}

		if len(site.Manifest) == 0 {
			return newFieldError(siteField(site.Name, "Manifest"), "至少需要一个预缓存资源")
		}
		for _, entry := range site.Manifest {
			if err := validateManifestEntry(site.Origin, entry); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Manifest"), err)
			}
		}
		if !strings.HasPrefix(site.FallbackPath, "/") {
			return newFieldError(siteField(site.Name, "FallbackPath"), "必须以 / 开头")
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateOrigin 要求 origin 只包含 scheme + host[:port]。
func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("origin 不允许包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("origin 不允许包含 query/fragment: %s", raw)
	}
	return nil
}

// validateManifestEntry 允许相对路径或同源绝对 URL。
func validateManifestEntry(origin, entry string) error {
	parsed, err := url.Parse(entry)
	if err != nil {
		return fmt.Errorf("无法解析资源 %q: %w", entry, err)
	}
	if !parsed.IsAbs() {
		if parsed.Host != "" {
			return fmt.Errorf("资源 %q 不允许使用协议相对地址", entry)
		}
		return nil
	}
	base, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if !strings.EqualFold(parsed.Scheme, base.Scheme) || !strings.EqualFold(parsed.Host, base.Host) {
		return fmt.Errorf("资源 %q 与 origin 不同源", entry)
	}
	return nil
}

// validateSegment 保证名称可以安全地作为目录名使用。
func validateSegment(value string) error {
	if value == "." || value == ".." {
		return fmt.Errorf("非法名称: %s", value)
	}
	if strings.HasPrefix(value, ".") {
		return fmt.Errorf("不能以 . 开头: %s", value)
	}
	if strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("不能包含路径分隔符: %s", value)
	}
	return nil
}
