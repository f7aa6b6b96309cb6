// Package generate produces reply text for an eligible message.
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/awarman/replygate/internal/directory"
)

// FallbackText is sent when the generator cannot produce a reply.
// Generation failure never fails the pipeline.
const FallbackText = "Thank you for your email. I'm an automated assistant and I'm " +
	"currently experiencing technical difficulties. A human will review " +
	"your message as soon as possible."

// Request is everything generation may draw on. The body is expected
// to already have quoted history stripped.
type Request struct {
	From     string
	Subject  string
	Body     string
	Customer *directory.Record
}

// Generator turns a request into reply text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Prompt renders the model prompt. The guardrails confine the model to
// the current message and the supplied customer context; balance is
// only ever disclosed to a verified customer.
func Prompt(req Request) string {
	status := "Bukan Nasabah"
	balance := ""
	if req.Customer != nil {
		status = "Nasabah Terverifikasi"
		if req.Customer.HasBalance {
			balance = fmt.Sprintf("\n- Saldo Anda: Rp %s", directory.FormatBalance(req.Customer.Balance))
		}
	}

	var b strings.Builder
	b.WriteString("Anda adalah asisten email AI yang membantu. Buat balasan yang sopan dan profesional untuk email ini.\n\n")
	b.WriteString("PENTING (KEAMANAN & PRIVASI):\n")
	b.WriteString("- Hanya gunakan informasi yang ada pada email saat ini dan konteks tambahan di bawah ini.\n")
	b.WriteString("- Jangan gunakan riwayat percakapan lain, data dari email lain, atau pengetahuan eksternal tentang pelanggan.\n")
	b.WriteString("- Jangan menyebutkan data pribadi apa pun selain nama pengirim dan saldo yang diberikan (jika ada).\n")
	b.WriteString("- Jika bukan nasabah terverifikasi, JANGAN sebut nominal saldo.\n\n")
	fmt.Fprintf(&b, "Dari: %s\n", req.From)
	fmt.Fprintf(&b, "Subjek: %s\n", req.Subject)
	fmt.Fprintf(&b, "Pesan (sudah dibersihkan dari kutipan histori): %s\n\n", req.Body)
	fmt.Fprintf(&b, "Konteks Tambahan:\n- Status Pengirim: %s%s\n\n", status, balance)
	b.WriteString("Balasan harus sopan, profesional, dan ringkas (2-3 kalimat), tanpa placeholder, ")
	b.WriteString("tanpa meminta info sensitif (PIN/OTP/kata sandi).\n\n")
	b.WriteString("Format:\nKepada [Nama],\n[Isi 2-3 kalimat]\n\nHormat kami,\nTim Layanan Pelanggan\n")
	return b.String()
}

// Static is a Generator that always returns the same text. The CLI's
// dry-run mode and tests use it.
type Static string

func (s Static) Generate(context.Context, Request) (string, error) {
	return string(s), nil
}
