package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "artiflow/internal/config"
)

func newInitConfigCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a default config and .env template (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			ext := strings.ToLower(strings.TrimSpace(format))
			switch ext {
			case "json":
			case "yaml", "yml":
				ext = "yaml"
			default:
				return fail(exitConfig, fmt.Errorf("init-config: unknown format %q", format))
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(exitConfig, fmt.Errorf("生成默认配置失败: %w", err))
			}
			b, err := cfgpkg.Render(cfgpkg.DefaultTemplateConfig(), ext)
			if err != nil {
				return fail(exitConfig, fmt.Errorf("生成默认配置失败: %w", err))
			}
			path := filepath.Join(dir, "config."+ext)
			if err := writeExclusive(path, b); err != nil {
				return fail(exitConfig, fmt.Errorf("生成默认配置失败: %w", err))
			}
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				fprintf(a.stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			fprintf(a.stdout, "%s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "配置格式 json|yaml")
	return cmd
}

// writeExclusive 创建新文件；已存在时报错，不覆盖。
func writeExclusive(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	p := cfgpkg.EnvPrefix
	b.WriteString("# artiflow .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源\n")
	b.WriteString(p + "CONFIG_FILE=\n")
	b.WriteString(p + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"INPUTS", "WORK_DIR", "STATE_DIR", "CONCURRENCY", "MAX_TOKENS", "BYTES_PER_TOKEN",
		"MAX_RETRIES", "MAX_CONTINUATIONS", "LLM", "LOG_LEVEL", "LOG_DIR"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 执行策略（true/false）\n")
	for _, k := range []string{"DRY_RUN", "CONTINUE_ON_FAILURE", "PROGRESSIVE", "EXECUTE_TRUNCATED"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "CHUNKER", "PROMPT_BUILDER", "RUNNER", "WRITER"} {
		b.WriteString(p + "COMPONENTS_" + k + "=\n")
	}
	for _, prov := range []string{"openai", "gemini"} {
		fmt.Fprintf(&b, "\n# Provider 覆盖（%s）\n", prov)
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString(p + "PROVIDER__" + prov + "__" + k + "=\n")
		}
	}
	b.WriteString("\n# 供应商 API Key（由客户端读取，不经前缀）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
