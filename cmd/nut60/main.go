package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"

	"github.com/nut60/nut60/wallet"
)

var nutw *wallet.Wallet

func walletConfig() wallet.Config {
	// .env in the working directory, real env wins
	godotenv.Load()

	config := wallet.Config{
		PrivateKey: os.Getenv("NUT60_PRIVATE_KEY"),
		Unit:       os.Getenv("NUT60_UNIT"),
	}
	if relays := os.Getenv("NUT60_RELAYS"); relays != "" {
		config.RelayURLs = splitList(relays)
	}
	if mints := os.Getenv("NUT60_MINTS"); mints != "" {
		config.MintURLs = splitList(mints)
	}
	if ttl := os.Getenv("NUT60_CACHE_TTL_SECONDS"); ttl != "" {
		config.CacheTTLSeconds, _ = strconv.Atoi(ttl)
	}
	if size := os.Getenv("NUT60_MAX_EVENT_BYTES"); size != "" {
		config.MaxEventBytes, _ = strconv.Atoi(size)
	}
	if interval := os.Getenv("NUT60_RATE_LIMIT_SECONDS"); interval != "" {
		config.RateLimitSeconds, _ = strconv.ParseFloat(interval, 64)
	}
	return config
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func setupWallet(ctx *cli.Context) error {
	level := slog.LevelWarn
	if ctx.Bool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	config := walletConfig()
	if config.PrivateKey == "" {
		printErr(errors.New("no key configured, set NUT60_PRIVATE_KEY (hex, nsec or mnemonic)"))
	}

	var err error
	nutw, err = wallet.LoadWallet(ctx.Context, config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nut60",
		Usage: "cashu wallet with state on nostr relays",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
		},
		Commands: []*cli.Command{
			initCmd,
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			historyCmd,
			pendingCmd,
			transferCmd,
			consolidateCmd,
			infoCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

const mintFlag = "mint"

var initCmd = &cli.Command{
	Name:   "init",
	Usage:  "publish the wallet and relay events for a new wallet",
	Before: setupWallet,
	Action: func(ctx *cli.Context) error {
		if err := nutw.Initialize(ctx.Context); err != nil {
			printErr(err)
		}
		fmt.Println("wallet initialized")
		return nil
	},
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "check",
			Usage: "verify proofs against the mints",
		},
	},
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balance, byMint, err := nutw.Balance(ctx.Context, ctx.Bool("check"))
	if err != nil {
		printErr(err)
	}
	unit := nutw.Unit()
	for mint, amount := range byMint {
		fmt.Printf("%v: %v %v\n", mint, unit.FromBaseUnit(amount), unit)
	}
	fmt.Printf("total: %v %v\n", unit.FromBaseUnit(balance), unit)
	return nil
}

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "request an invoice and mint ecash once it is paid",
	ArgsUsage: "<amount>",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: mintFlag, Usage: "mint url"},
		&cli.BoolFlag{Name: "no-qr", Usage: "do not render the invoice QR code"},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	mintURL := requireMintURL(ctx)
	quote, err := nutw.RequestMint(ctx.Context, amount, mintURL)
	if err != nil {
		printErr(err)
	}

	if !ctx.Bool("no-qr") {
		if qr, err := qrcode.New(quote.Request, qrcode.Medium); err == nil {
			fmt.Println(qr.ToSmallString(false))
		}
	}
	fmt.Printf("invoice: %v\n\n", quote.Request)
	fmt.Println("waiting for payment...")

	for {
		select {
		case <-ctx.Context.Done():
			fmt.Println("\nstopped waiting, run 'nut60 pending' after paying the invoice")
			return nil
		case <-time.After(3 * time.Second):
		}

		minted, err := nutw.MintTokens(ctx.Context, quote.Quote, mintURL)
		if errors.Is(err, wallet.ErrQuoteNotPaid) {
			continue
		}
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats minted\n", minted)
		return nil
	}
}

var sendCmd = &cli.Command{
	Name:      "send",
	ArgsUsage: "<amount>",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: mintFlag, Usage: "mint url"},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	token, err := nutw.Send(ctx.Context, amount, ctx.String(mintFlag))
	if err != nil {
		printErr(err)
	}
	fmt.Println(token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	ArgsUsage: "<token>",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "swap",
			Usage: "swap tokens from untrusted mints to the first trusted mint",
		},
	},
	Action: receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	amount, err := nutw.Receive(ctx.Context, args.First(), ctx.Bool("swap"))
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats received\n", amount)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "pay a bolt11 invoice or a lightning address",
	ArgsUsage: "<invoice | user@domain> [amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: mintFlag, Usage: "mint url"},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an invoice or lightning address"))
	}
	invoice := args.First()

	if strings.Contains(invoice, "@") {
		if args.Len() < 2 {
			printErr(errors.New("specify an amount to pay to the address"))
		}
		amount, err := strconv.ParseUint(args.Get(1), 10, 64)
		if err != nil {
			printErr(errors.New("invalid amount"))
		}
		invoice, err = wallet.GetInvoiceForAddress(ctx.Context, args.First(), amount)
		if err != nil {
			printErr(err)
		}
	}

	meltResult, err := nutw.Melt(ctx.Context, invoice, requireMintURL(ctx))
	if err != nil {
		printErr(err)
	}
	fmt.Printf("payment %v", strings.ToLower(meltResult.State.String()))
	if meltResult.Preimage != "" {
		fmt.Printf(", preimage: %v", meltResult.Preimage)
	}
	fmt.Println()
	return nil
}

var historyCmd = &cli.Command{
	Name:   "history",
	Before: setupWallet,
	Action: func(ctx *cli.Context) error {
		entries, err := nutw.History(ctx.Context)
		if err != nil {
			printErr(err)
		}
		for _, entry := range entries {
			fmt.Printf("%v  %-3v %v sats\n",
				entry.CreatedAt.Format(time.RFC3339), entry.Direction, entry.Amount)
		}
		return nil
	},
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "mint any tracked quotes that were paid in the meantime",
	Before: setupWallet,
	Action: func(ctx *cli.Context) error {
		minted, err := nutw.CheckPendingQuotes(ctx.Context)
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats minted from pending quotes\n", minted)
		return nil
	},
}

var transferCmd = &cli.Command{
	Name:      "transfer",
	Usage:     "move funds between mints over lightning",
	ArgsUsage: "<amount> <from-mint> <to-mint>",
	Before:    setupWallet,
	Action: func(ctx *cli.Context) error {
		args := ctx.Args()
		if args.Len() < 3 {
			printErr(errors.New("specify amount, source mint and target mint"))
		}
		amount, err := strconv.ParseUint(args.First(), 10, 64)
		if err != nil {
			printErr(errors.New("invalid amount"))
		}

		transferred, err := nutw.TransferToMint(ctx.Context, amount, args.Get(1), args.Get(2))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats transferred\n", transferred)
		return nil
	},
}

var consolidateCmd = &cli.Command{
	Name:   "consolidate",
	Usage:  "swap all proofs of a mint into a fresh denomination set",
	Before: setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: mintFlag, Usage: "mint url"},
	},
	Action: func(ctx *cli.Context) error {
		amount, err := nutw.Consolidate(ctx.Context, requireMintURL(ctx))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats consolidated\n", amount)
		return nil
	},
}

var infoCmd = &cli.Command{
	Name:   "info",
	Before: setupWallet,
	Action: func(ctx *cli.Context) error {
		npub, err := wallet.Npub(nutw.PublicKey())
		if err != nil {
			printErr(err)
		}
		fmt.Printf("pubkey: %v\n", nutw.PublicKey())
		fmt.Printf("npub: %v\n", npub)
		return nil
	},
}

func requireMintURL(ctx *cli.Context) string {
	if mintURL := ctx.String(mintFlag); mintURL != "" {
		return mintURL
	}
	if mints := walletConfig().MintURLs; len(mints) > 0 {
		return mints[0]
	}
	printErr(errors.New("no mint specified, use --mint or set NUT60_MINTS"))
	return ""
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
