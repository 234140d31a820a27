package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"jarvis/internal/config"
	"jarvis/internal/logger"
	"jarvis/pkg/api"
	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

var (
	cfgPath string
	cfg     *config.Config
	log     logger.Logger
	svc     api.Service
)

func main() {
	root := &cobra.Command{
		Use:   "jarvis",
		Short: "HTTP 网络拦截与规则改写工具",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			log = logger.New(logger.Options{
				Level:   cfg.Log.Level,
				Writers: cfg.Log.Writer,
				File:    cfg.Log.File,
			})
			svc, err = api.NewService(api.Options{
				DBPath:           cfg.Sqlite.Db,
				TablePrefix:      cfg.Sqlite.Prefix,
				Workers:          cfg.Capture.Workers,
				MaxContentLength: cfg.Capture.MaxContentLength,
				Logger:           log,
			})
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if svc != nil {
				_ = svc.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "配置文件路径（YAML）")

	root.AddCommand(rulesCmd(), historyCmd(), demoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "规则管理",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "按存储顺序列出全部规则",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := svc.ListRules()
			if err != nil {
				return err
			}
			for _, r := range rules {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				fmt.Printf("%3d  %-24s  %-7s  %-8s  %s\n", r.Position, r.ID, r.Mode, state, r.Name)
			}
			fmt.Printf("共 %d 条规则\n", len(rules))
			return nil
		},
	})

	var output string
	export := &cobra.Command{
		Use:   "export",
		Short: "导出全部规则为 JSON 文档",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := svc.ExportRules()
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Println(string(data))
				return nil
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "输出文件路径，缺省打印到标准输出")
	cmd.AddCommand(export)

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "从 JSON 文档导入规则（整体替换）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			n, err := svc.ImportRules(data)
			if err != nil {
				return err
			}
			fmt.Printf("导入 %d 条规则\n", n)
			return nil
		},
	})

	var (
		name       string
		mode       string
		host       string
		path       string
		method     string
		statusCode int
		body       string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "添加一条规则",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := rulespec.NewRule(name, rulespec.RuleMode(mode))
			rule.Origin = rulespec.RuleOrigin{Host: host, Path: path, Method: method}
			if statusCode > 0 || body != "" {
				mods := &rulespec.ResponseModifications{}
				if statusCode > 0 {
					mods.StatusCode = &statusCode
				}
				if body != "" {
					mods.Body = &body
				}
				rule.ResponseModifications = mods
			}
			created, err := svc.AddRule(rule)
			if err != nil {
				return err
			}
			fmt.Printf("规则已添加: %s\n", created.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "规则名称")
	add.Flags().StringVar(&mode, "mode", string(rulespec.ModeInspect), "规则模式（inspect/mock）")
	add.Flags().StringVar(&host, "host", "", "匹配主机名（支持通配符）")
	add.Flags().StringVar(&path, "path", "", "匹配路径（支持通配符）")
	add.Flags().StringVar(&method, "method", "", "匹配请求方法")
	add.Flags().IntVar(&statusCode, "status-code", 0, "响应状态码改写")
	add.Flags().StringVar(&body, "body", "", "响应体改写")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <rule-id>",
		Short: "删除指定规则",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.RemoveRule(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable <rule-id>",
		Short: "启用指定规则",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.SetRuleEnabled(args[0], true)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <rule-id>",
		Short: "停用指定规则",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.SetRuleEnabled(args[0], false)
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "事务历史查询与维护",
	}

	var q model.TransactionQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "查询事务历史",
		RunE: func(cmd *cobra.Command, args []string) error {
			txns, total, err := svc.QueryTransactions(q)
			if err != nil {
				return err
			}
			for _, t := range txns {
				code := 0
				if t.Response != nil {
					code = t.Response.StatusCode
				}
				fmt.Printf("%-36s  %-9s  %-7s  %3d  %s\n", t.ID, t.Status, t.Request.Method, code, t.Request.URL)
			}
			fmt.Printf("共 %d 条，显示 %d 条\n", total, len(txns))
			return nil
		},
	}
	list.Flags().StringVar(&q.Host, "host", "", "按主机名过滤")
	list.Flags().StringVar(&q.Method, "method", "", "按请求方法过滤")
	list.Flags().StringVar(&q.Status, "status", "", "按事务状态过滤（PENDING/COMPLETED/FAILED）")
	list.Flags().IntVar(&q.Limit, "limit", 50, "返回条数上限")
	list.Flags().IntVar(&q.Offset, "offset", 0, "分页偏移")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "输出事务统计",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := svc.TransactionStats()
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	})

	var days int
	clean := &cobra.Command{
		Use:   "clean",
		Short: "按保留天数清理旧事务",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := svc.CleanupOldTransactions(days)
			if err != nil {
				return err
			}
			fmt.Printf("已清理 %d 条旧事务\n", n)
			return nil
		},
	}
	clean.Flags().IntVar(&days, "days", 0, "保留天数，缺省使用配置值")
	cmd.AddCommand(clean)

	return cmd
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo <url>",
		Short: "通过拦截器发起一次请求并打印捕获结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := svc.Client(nil)
			if err != nil {
				return err
			}
			resp, err := client.Get(args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			fmt.Printf("%s\n%s\n", resp.Status, string(body))

			txns, _, err := svc.QueryTransactions(model.TransactionQuery{Limit: 1})
			if err != nil {
				return err
			}
			if len(txns) > 0 {
				out, _ := json.MarshalIndent(txns[0], "", "  ")
				fmt.Println(string(out))
			}
			return nil
		},
	}
}
