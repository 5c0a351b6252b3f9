package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"Fortune-Oracle/internal/fortune"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/web3"
	"Fortune-Oracle/sdk/go/oracle"
)

type globalOptions struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "oraclectl",
		Short:         "求签解签，并查询预言机智能体",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://127.0.0.1:8000", "预言机智能体的服务地址")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "单次请求超时")

	root.AddCommand(
		newCastCmd(opts),
		newSticksCmd(opts),
		newHealthCmd(opts),
		newAddressCmd(),
		newReadingsCmd(opts),
		newSubmitCmd(opts),
		newChargeCmd(opts),
	)
	return root
}

func (o *globalOptions) client() (*oracle.Client, error) {
	return oracle.NewClient(o.server, nil)
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

func parseLots(args []string) ([]int64, error) {
	lots := make([]int64, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("签号 %q 不是整数", arg)
		}
		lots = append(lots, v)
	}
	return lots, nil
}

func newCastCmd(opts *globalOptions) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "cast <lots...>",
		Short: "解读一组签号",
		Long: `解读一组整数签号。

指定 --local 时在本地计算，否则调用智能体的免费解签接口，两者结果相同。
负数签号需放在 "--" 之后：oraclectl cast -- -5 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lots, err := parseLots(args)
			if err != nil {
				return err
			}
			if local {
				fmt.Fprintln(cmd.OutOrStdout(), fortune.Interpret(lots))
				return nil
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			text, err := client.Cast(ctx, lots)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "不连接智能体，在本地计算")
	return cmd
}

func newSticksCmd(opts *globalOptions) *cobra.Command {
	var (
		numbers   []int
		category  string
		language  string
		wish      string
		reference string
		payer     string
		network   string
		charge    string
	)
	cmd := &cobra.Command{
		Use:   "sticks",
		Short: "三签求签",
		Long: `按所求之事抽三支签并解读。

签号来自 --numbers，或由 --reference 推导。指定 --payer 时以该地址作为付款人调用付费接口；
指定 --charge 时凭已支付的 Coinbase Commerce 订单解签，签号由订单推导。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if charge != "" {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				return interpretCharge(ctx, cmd.OutOrStdout(), client, oracle.CommerceRequest{
					ChargeID: charge,
					Category: category,
					Language: language,
					WishText: wish,
				})
			}
			req := oracle.InterpretRequest{
				StickNumbers: numbers,
				Category:     category,
				Language:     language,
				WishText:     wish,
				Reference:    reference,
			}
			if len(req.StickNumbers) == 0 && req.Reference == "" {
				return fmt.Errorf("需要 --numbers、--reference 或 --charge 之一")
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			var result oracle.InterpretResult
			if payer != "" {
				if !web3.IsAddress(payer) {
					return fmt.Errorf("付款人 %q 不是合法地址", payer)
				}
				client.SetPayment(oracle.EncodePayment(payer, network))
				result, err = client.Interpret(ctx, req)
			} else {
				result, err = client.InterpretFree(ctx, req)
			}
			if err != nil {
				return err
			}
			return printReading(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntSliceVar(&numbers, "numbers", nil, "三支签号，取值 1 到 100")
	cmd.Flags().StringVar(&category, "category", string(fortune.CategoryCareer), "所求之事：career、wealth、love、health 或 family")
	cmd.Flags().StringVar(&language, "language", string(fortune.DefaultLanguage), "解读语言：en、zh-CN 或 zh-TW")
	cmd.Flags().StringVar(&wish, "wish", "", "心愿内容")
	cmd.Flags().StringVar(&reference, "reference", "", "由该字符串推导签号")
	cmd.Flags().StringVar(&payer, "payer", "", "付费接口的付款人地址")
	cmd.Flags().StringVar(&network, "network", "eip155:8453", "支付网络")
	cmd.Flags().StringVar(&charge, "charge", "", "已支付的 Coinbase Commerce 订单号")
	return cmd
}

func interpretCharge(ctx context.Context, w io.Writer, client *oracle.Client, req oracle.CommerceRequest) error {
	result, err := client.InterpretCommerce(ctx, req)
	var pending *oracle.ChargePendingError
	if errors.As(err, &pending) {
		return fmt.Errorf("订单 %s 尚未支付（%s）：%s", req.ChargeID, pending.Status, pending.Message)
	}
	if err != nil {
		return err
	}
	return printReading(w, oracle.InterpretResult{
		StickNumbers: result.StickNumbers,
		MainPoem:     result.MainPoem,
		OverallLuck:  result.OverallLuck,
		Explanation:  result.Explanation,
		Advice:       result.Advice,
		Oracle:       result.Oracle,
		Degraded:     result.Degraded,
		Timestamp:    result.Timestamp,
	})
}

func printReading(w io.Writer, r oracle.InterpretResult) error {
	fmt.Fprintf(w, "Sticks:  %v\n", r.StickNumbers)
	fmt.Fprintf(w, "Luck:    %s\n", r.OverallLuck)
	for _, line := range r.MainPoem {
		fmt.Fprintf(w, "         %s\n", line)
	}
	fmt.Fprintf(w, "Meaning: %s\n", r.Explanation)
	fmt.Fprintf(w, "Advice:  %s\n", r.Advice)
	if r.Oracle != "" {
		fmt.Fprintf(w, "Oracle:  %s\n", r.Oracle)
	}
	if r.Paid {
		fmt.Fprintf(w, "Paid by: %s\n", r.Payer)
	}
	return nil
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "查看智能体状态",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			health, err := client.Health(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), health)
		},
	}
}

func newAddressCmd() *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "address",
		Short: "输出由种子推导出的智能体地址",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := web3.NewIdentity(seed)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "oracle_fortune_teller_seed_123", "智能体种子")
	return cmd
}

func newReadingsCmd(opts *globalOptions) *cobra.Command {
	var (
		sender string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "readings",
		Short: "列出最近的解签记录",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			readings, err := client.Readings(ctx, sender, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range readings {
				fmt.Fprintf(out, "%s  %-10s %s  %s\n",
					time.Unix(r.CreatedAt, 0).UTC().Format(time.RFC3339), r.Source, r.Sender, r.Interpretation)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "只列出该地址的记录")
	cmd.Flags().IntVar(&limit, "limit", 20, "最多返回的记录数")
	return cmd
}

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var (
		seed string
		wait time.Duration
		poll time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <lots...>",
		Short: "向智能体发送签名的求签消息",
		Long: `向智能体的 /submit 接口发送签名的 fortune.request.v1 消息。

求签者身份由 --seed 推导。回复投递到求签者在智能体传输层上的邮箱；
指定 --wait 时会用同一身份签名领取邮箱，直到收到对应回复或超时。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lots, err := parseLots(args)
			if err != nil {
				return err
			}
			querent, err := web3.NewIdentity(seed)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			health, err := client.Health(ctx)
			if err != nil {
				return err
			}
			env, err := messaging.NewEnvelope(messaging.SchemaFortuneRequest, querent.Address(), health.Address, fortune.FortuneRequest{Lots: lots})
			if err != nil {
				return err
			}
			if err := env.Sign(querent); err != nil {
				return err
			}
			raw, err := env.Marshal()
			if err != nil {
				return err
			}
			receipt, err := client.Submit(ctx, raw)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "envelope %s %s (from %s to %s)\n", receipt.ID, receipt.Status, querent.Address(), health.Address)
			if wait <= 0 {
				return nil
			}

			reply, err := awaitReply(cmd.Context(), client, querent, health.Address, receipt.ID, wait, poll)
			if err != nil {
				return err
			}
			var resp fortune.FortuneResponse
			if err := reply.Decode(&resp); err != nil {
				return err
			}
			fmt.Fprintf(out, "reply %s: %s\n", reply.ID, resp.Interpretation)
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "oraclectl_querent", "求签者种子")
	cmd.Flags().DurationVar(&wait, "wait", 0, "等待回复的最长时间，0 表示不等待")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "领取邮箱的间隔")
	return cmd
}

// awaitReply 轮询求签者邮箱，直到取到回复 requestID 且由 agent 签名的消息。
func awaitReply(parent context.Context, client *oracle.Client, querent *web3.Identity, agentAddress, requestID string, wait, poll time.Duration) (*messaging.Envelope, error) {
	if parent == nil {
		parent = context.Background()
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		issuedAt := time.Now().Unix()
		signature, err := messaging.SignMailboxAccess(querent, issuedAt)
		if err != nil {
			return nil, err
		}
		replies, err := client.Replies(ctx, querent.Address(), issuedAt, signature, 0)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		for _, r := range replies {
			if r.InReplyTo != requestID {
				continue
			}
			reply, err := toEnvelope(r)
			if err != nil {
				return nil, err
			}
			if err := reply.Verify(); err != nil {
				return nil, fmt.Errorf("回复签名无效: %w", err)
			}
			if !web3.SameAddress(reply.Sender, agentAddress) {
				return nil, fmt.Errorf("回复来自 %s 而不是智能体 %s", reply.Sender, agentAddress)
			}
			return reply, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待回复 %s 超时", requestID)
		case <-ticker.C:
		}
	}
}

func toEnvelope(r oracle.Envelope) (*messaging.Envelope, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return messaging.Unmarshal(raw)
}

func newChargeCmd(opts *globalOptions) *cobra.Command {
	var (
		category string
		language string
	)
	cmd := &cobra.Command{
		Use:   "charge",
		Short: "创建 Coinbase Commerce 订单",
		Long: `创建一笔 Coinbase Commerce 订单并输出收银台链接。

支付完成后使用 oraclectl sticks --charge <订单号> 取回解签。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			charge, err := client.CreateCharge(ctx, category, language)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Charge:  %s (%s)\n", charge.ChargeID, charge.ChargeCode)
			fmt.Fprintf(out, "Pay at:  %s\n", charge.HostedURL)
			if charge.ExpiresAt != "" {
				fmt.Fprintf(out, "Expires: %s\n", charge.ExpiresAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", string(fortune.CategoryCareer), "所求之事：career、wealth、love、health 或 family")
	cmd.Flags().StringVar(&language, "language", string(fortune.DefaultLanguage), "解读语言：en、zh-CN 或 zh-TW")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
